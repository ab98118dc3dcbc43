// Package presence tracks which connections each user has open and derives
// online/offline transitions from the size of that set.
package presence

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Registry is the presence store. online(u) holds exactly when u has at
// least one registered connection.
type Registry interface {
	// Register adds connID to userID's set and reports whether this was the
	// 0 -> 1 transition.
	Register(ctx context.Context, userID int64, connID string) (bool, error)
	// Unregister removes connID and reports whether this was the 1 -> 0
	// transition. On that transition lastSeen is stamped and returned.
	Unregister(ctx context.Context, userID int64, connID string) (Departure, error)
	IsOnline(ctx context.Context, userID int64) (bool, error)
	ConnectionsOf(ctx context.Context, userID int64) ([]string, error)
	// PurgeNode drops every connection registered by nodeID, used when a
	// node shuts down or restarts under the same id.
	PurgeNode(ctx context.Context, nodeID string) ([]Departure, error)
}

// Departure is the result of removing a connection
type Departure struct {
	UserID   int64
	Offline  bool
	LastSeen time.Time
}

// LastSeenRecorder persists the moment a user went offline
type LastSeenRecorder interface {
	SetLastSeen(ctx context.Context, userID int64, at time.Time) error
}

// NewConnID returns a connection id owned by nodeID
func NewConnID(nodeID string) string {
	return nodeID + ":" + uuid.NewString()
}

// NodeOf returns the node part of a connection id
func NodeOf(connID string) string {
	node, _, ok := strings.Cut(connID, ":")
	if !ok {
		return ""
	}
	return node
}
