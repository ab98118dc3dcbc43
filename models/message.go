package models

import "time"

// Message represents a chat message between users
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender"`
	ReceiverID int64     `json:"receiver"`
	Content    string    `json:"content"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Conversation represents a chat thread with another user
type Conversation struct {
	User        UserResponse `json:"user"`
	LastMessage *Message     `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
}
