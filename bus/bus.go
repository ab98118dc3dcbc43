// Package bus moves pre-encoded events between server processes. A node
// publishes envelopes addressed to another node's connections, or
// broadcasts to every node; each node hands what it receives to its local
// hub.
package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// Envelope carries one encoded event to a set of connections. For a
// broadcast ConnIDs is empty and ExcludeUser, when non-zero, names the user
// whose own connections are skipped.
type Envelope struct {
	ConnIDs     []string        `json:"connIds,omitempty"`
	ExcludeUser int64           `json:"excludeUser,omitempty"`
	Event       json.RawMessage `json:"event"`
}

// Handler receives envelopes addressed to this node
type Handler func(env Envelope)

// Bus is the transport between nodes
type Bus interface {
	// Publish sends env to the node that owns its connections.
	Publish(ctx context.Context, nodeID string, env Envelope) error
	// Broadcast sends env to every node, this one included.
	Broadcast(ctx context.Context, env Envelope) error
	// Subscribe registers the handler for nodeID's traffic and broadcasts.
	Subscribe(nodeID string, handler Handler) error
	Close() error
}

// LocalBus delivers in-process only. It backs single-instance deployments,
// where every connection lives on this node.
type LocalBus struct {
	mu      sync.RWMutex
	nodeID  string
	handler Handler
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(ctx context.Context, nodeID string, env Envelope) error {
	b.mu.RLock()
	handler, self := b.handler, b.nodeID
	b.mu.RUnlock()

	// Connections on any other node cannot exist without a shared transport.
	if handler == nil || nodeID != self {
		return nil
	}
	handler(env)
	return nil
}

func (b *LocalBus) Broadcast(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()

	if handler != nil {
		handler(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(nodeID string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodeID = nodeID
	b.handler = handler
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = nil
	return nil
}
