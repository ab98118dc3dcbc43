package models

import (
	"encoding/json"
	"time"
)

// Client -> server event names
const (
	EventPrivateMessage = "privateMessage"
	EventGetMessages    = "getMessages"
	EventMarkRead       = "markRead"
	EventTyping         = "typing"
	EventStopTyping     = "stopTyping"
)

// Server -> client event names
const (
	EventMessagesLoaded    = "messagesLoaded"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventMessagesRead      = "messagesRead"
	EventFriendRequest     = "friendRequest"
	EventFriendAccepted    = "friendAccepted"
	EventError             = "error"
)

// Event is the envelope written to a connection
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// InboundEvent is the envelope read from a connection. Payload is decoded
// once Type is known.
type InboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PrivateMessageIn is the payload of a client privateMessage event
type PrivateMessageIn struct {
	Content string `json:"content"`
	To      int64  `json:"to"`
}

// GetMessagesIn is the payload of a client getMessages event
type GetMessagesIn struct {
	WithUserID int64 `json:"withUserId"`
}

// MarkReadIn is the payload of a client markRead event
type MarkReadIn struct {
	FromUserID int64 `json:"fromUserId"`
}

// TypingIn is the payload of typing and stopTyping
type TypingIn struct {
	To int64 `json:"to"`
}

// UserRef is the payload of events that only name a user
type UserRef struct {
	UserID int64 `json:"userId"`
}

// PresenceChange is the payload of userOnline and userOffline
type PresenceChange struct {
	UserID   int64      `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ErrorPayload reports a failed inbound event back to its sender
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// FriendRequestPayload is pushed to the target of a new friend request
type FriendRequestPayload struct {
	From UserResponse `json:"from"`
}

// FriendAcceptedPayload is pushed to a requester once the other side accepts
type FriendAcceptedPayload struct {
	User UserResponse `json:"user"`
}
