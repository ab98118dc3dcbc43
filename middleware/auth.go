package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"scuffedchat/apperr"
)

type contextKey string

const UserContextKey contextKey = "user_id"

// Authenticator resolves a bearer credential to a user id
type Authenticator interface {
	Authenticate(token string) (int64, error)
}

// Auth middleware checks for a valid bearer token and adds the user id to
// the context
func Auth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Access denied. No token provided.")
				return
			}

			userID, err := authn.Authenticate(token)
			if err != nil {
				writeError(w, apperr.HTTPStatus(err), apperr.PublicMessage(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// ExtractToken returns the bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return r.URL.Query().Get("token")
}

// WithUserID stores the authenticated user id in ctx
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserContextKey, userID)
}

// GetUserID retrieves the authenticated user id from the request context,
// 0 when unauthenticated
func GetUserID(r *http.Request) int64 {
	userID, ok := r.Context().Value(UserContextKey).(int64)
	if !ok {
		return 0
	}
	return userID
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
