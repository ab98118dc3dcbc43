package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"scuffedchat/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps err to its status. Store and internal failures are logged
// and answered with a generic message.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
	}
	writeErrorMessage(w, status, apperr.PublicMessage(err))
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.New(apperr.KindInvalidInput, "Invalid request body")
	}
	return nil
}
