package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"scuffedchat/apperr"
	"scuffedchat/friends"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

// sendFriendRequest is a tagged union: exactly one of ReceiverID or
// Identifier is set.
type sendFriendRequest struct {
	ReceiverID int64  `json:"receiverId"`
	Identifier string `json:"identifier"`
}

func (req sendFriendRequest) target() (models.TargetRef, error) {
	switch {
	case req.ReceiverID != 0 && req.Identifier != "":
		return models.TargetRef{}, apperr.New(apperr.KindInvalidInput, "Provide either receiverId or identifier, not both")
	case req.ReceiverID != 0:
		return models.ByID(req.ReceiverID), nil
	case req.Identifier != "":
		return models.ByIdentifier(req.Identifier), nil
	default:
		return models.TargetRef{}, apperr.New(apperr.KindInvalidInput, "Receiver ID or identifier required")
	}
}

type respondFriendRequest struct {
	RequestID int64  `json:"requestId"`
	Action    string `json:"action"`
}

type cancelFriendRequest struct {
	ReceiverID int64 `json:"receiverId"`
}

// FriendHandler serves the friend management endpoints
type FriendHandler struct {
	friends *friends.Service
	logger  *zap.Logger
}

func NewFriendHandler(svc *friends.Service, logger *zap.Logger) *FriendHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FriendHandler{friends: svc, logger: logger.Named("friends")}
}

// Send sends a friend request
func (h *FriendHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendFriendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	target, err := req.target()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	outcome, receiver, err := h.friends.SendRequest(r.Context(), middleware.GetUserID(r), target)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	message := "Friend request sent"
	if outcome == models.OutcomeAccepted {
		message = "Friend request accepted"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": message,
		"outcome": outcome,
		"user":    receiver.ToResponse(),
	})
}

// Pending returns the users waiting on the caller's answer
func (h *FriendHandler) Pending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.friends.Pending(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// Respond accepts or rejects a pending request. requestId is the
// requester's user id.
func (h *FriendHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req respondFriendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	action := models.RespondAction(req.Action)
	if err := h.friends.Respond(r.Context(), middleware.GetUserID(r), req.RequestID, action); err != nil {
		writeError(w, h.logger, err)
		return
	}

	message := "Friend request rejected"
	if action == models.ActionAccept {
		message = "Friend request accepted"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

// Cancel withdraws a request the caller sent
func (h *FriendHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelFriendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.friends.Cancel(r.Context(), middleware.GetUserID(r), req.ReceiverID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request cancelled"})
}

// Search searches for users by username, email or phone
func (h *FriendHandler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.friends.Search(r.Context(), middleware.GetUserID(r), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// List returns the caller's friends with online status
func (h *FriendHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.friends.Friends(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
