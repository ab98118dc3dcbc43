package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"scuffedchat/database"
	"scuffedchat/delivery"
	"scuffedchat/middleware"
	"scuffedchat/models"
	"scuffedchat/presence"
)

type sendMessageRequest struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// MessageHandler serves message history and the REST send path
type MessageHandler struct {
	store    *database.Store
	router   *delivery.Router
	presence presence.Registry
	logger   *zap.Logger
}

func NewMessageHandler(store *database.Store, router *delivery.Router, registry presence.Registry, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		store:    store,
		router:   router,
		presence: registry,
		logger:   logger.Named("messages"),
	}
}

func pathUserID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
	return id, err == nil && id > 0
}

// GetConversations returns all conversations for the current user
func (h *MessageHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.store.GetConversations(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Add online status
	for i := range conversations {
		online, err := h.presence.IsOnline(r.Context(), conversations[i].User.ID)
		conversations[i].User.Online = err == nil && online
	}

	if conversations == nil {
		conversations = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// GetMessages returns the conversation with another user and marks their
// messages as read
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	otherUserID, ok := pathUserID(r)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	messages, err := h.router.History(r.Context(), middleware.GetUserID(r), otherUserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessage delivers a message exactly as the privateMessage event does
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := h.router.DeliverMessage(r.Context(), middleware.GetUserID(r), req.ReceiverID, req.Content)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkAsRead marks another user's messages to the caller as read
func (h *MessageHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	otherUserID, ok := pathUserID(r)
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	if err := h.router.MarkRead(r.Context(), middleware.GetUserID(r), otherUserID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
