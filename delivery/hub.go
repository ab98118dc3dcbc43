package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"scuffedchat/bus"
	"scuffedchat/presence"
)

// Client is one live connection owned by this node. The session that owns
// the physical connection drains Send; the hub closes Send on Remove.
type Client struct {
	ConnID string
	UserID int64
	Send   chan []byte
}

// NewClient creates a client with a send buffer of the given size
func NewClient(connID string, userID int64, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ConnID: connID,
		UserID: userID,
		Send:   make(chan []byte, buffer),
	}
}

// Hub maintains the set of connections on this node
type Hub struct {
	nodeID  string
	clients map[string]*Client // connID -> client
	mutex   sync.RWMutex
	logger  *zap.Logger
}

// NewHub creates the connection table for nodeID
func NewHub(nodeID string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		nodeID:  nodeID,
		clients: make(map[string]*Client),
		logger:  logger.Named("hub"),
	}
}

// NodeID returns the id of the node this hub serves
func (h *Hub) NodeID() string {
	return h.nodeID
}

func (h *Hub) Add(c *Client) {
	h.mutex.Lock()
	h.clients[c.ConnID] = c
	h.mutex.Unlock()
	h.logger.Debug("Client connected", zap.Int64("user_id", c.UserID), zap.String("conn_id", c.ConnID))
}

// Remove drops the connection and closes its send channel. It reports
// whether the connection was still present.
func (h *Hub) Remove(connID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	delete(h.clients, connID)
	close(c.Send)
	h.logger.Debug("Client disconnected", zap.Int64("user_id", c.UserID), zap.String("conn_id", connID))
	return true
}

// Len is the number of local connections
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) has(connID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// Restore registers every local connection again after this node's
// presence entries were swept while it was still alive. It returns the users
// that came back online.
func (h *Hub) Restore(ctx context.Context, registry presence.Registry) ([]int64, error) {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.RUnlock()

	var online []int64
	for _, c := range clients {
		came, err := registry.Register(ctx, c.UserID, c.ConnID)
		if err != nil {
			return online, err
		}
		// The session may have closed and unregistered in between.
		if !h.has(c.ConnID) {
			if _, err := registry.Unregister(ctx, c.UserID, c.ConnID); err != nil {
				return online, err
			}
			continue
		}
		if came {
			online = append(online, c.UserID)
		}
	}
	if len(clients) > 0 {
		h.logger.Info("Restored local connections", zap.Int("connections", len(clients)), zap.Int("came_online", len(online)))
	}
	return online, nil
}

// Deliver hands an envelope from the bus to local connections. Ids owned by
// other nodes or already closed are skipped.
func (h *Hub) Deliver(env bus.Envelope) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(env.ConnIDs) == 0 {
		for _, c := range h.clients {
			if env.ExcludeUser != 0 && c.UserID == env.ExcludeUser {
				continue
			}
			h.trySend(c, env.Event)
		}
		return
	}

	for _, id := range env.ConnIDs {
		if c, ok := h.clients[id]; ok {
			h.trySend(c, env.Event)
		}
	}
}

// trySend must be called with mutex held so Remove cannot close Send
// underneath it.
func (h *Hub) trySend(c *Client, data []byte) {
	select {
	case c.Send <- data:
	default:
		h.logger.Warn("Send buffer full, dropping event",
			zap.Int64("user_id", c.UserID), zap.String("conn_id", c.ConnID))
	}
}
