// Package delivery resolves users to their live connections and pushes
// events to them, on this node through the Hub or on other nodes through
// the bus.
package delivery

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"scuffedchat/apperr"
	"scuffedchat/bus"
	"scuffedchat/models"
	"scuffedchat/presence"
)

// MaxContentLength is the longest message body accepted, in runes
const MaxContentLength = 4000

// MessageStore is the persistence the router needs
type MessageStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.Message, error)
	History(ctx context.Context, userID, otherUserID int64) ([]models.Message, int64, error)
	MarkMessagesAsRead(ctx context.Context, senderID, receiverID int64) (int64, error)
}

const conversationStripes = 64

// Router is the delivery router
type Router struct {
	store    MessageStore
	presence presence.Registry
	bus      bus.Bus
	logger   *zap.Logger

	// persist and push happen under the conversation's stripe so two
	// messages in one conversation reach each connection in store order
	stripes [conversationStripes]sync.Mutex
}

// NewRouter creates a router
func NewRouter(store MessageStore, registry presence.Registry, b bus.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:    store,
		presence: registry,
		bus:      b,
		logger:   logger.Named("delivery"),
	}
}

func (r *Router) stripe(a, b int64) *sync.Mutex {
	if a > b {
		a, b = b, a
	}
	h := uint64(a)*31 + uint64(b)
	return &r.stripes[h%conversationStripes]
}

// ValidateContent trims content and checks it is deliverable
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.New(apperr.KindInvalidInput, "Message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", apperr.New(apperr.KindInvalidInput, "Message is too long")
	}
	return content, nil
}

// DeliverMessage persists a message and pushes it to every connection of
// both the receiver and the sender. Push failures are logged, not returned:
// the message is already stored and reachable through History.
func (r *Router) DeliverMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.Message, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return nil, err
	}
	if receiverID <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "Receiver is required")
	}
	if _, err := r.store.GetUserByID(ctx, receiverID); err != nil {
		return nil, err
	}

	mu := r.stripe(senderID, receiverID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.CreateMessage(ctx, senderID, receiverID, content)
	if err != nil {
		r.logger.Error("Failed to store message",
			zap.Int64("sender_id", senderID), zap.Int64("receiver_id", receiverID), zap.Error(err))
		return nil, err
	}

	r.push(ctx, models.Event{Type: models.EventPrivateMessage, Payload: msg}, receiverID, senderID)
	return msg, nil
}

// History returns the conversation and marks otherUserID's messages to
// userID as read. When any flipped, otherUserID is told they were read.
func (r *Router) History(ctx context.Context, userID, otherUserID int64) ([]models.Message, error) {
	if otherUserID <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "User id is required")
	}
	messages, marked, err := r.store.History(ctx, userID, otherUserID)
	if err != nil {
		return nil, err
	}
	if marked > 0 {
		r.readReceipt(ctx, userID, otherUserID)
	}
	return messages, nil
}

// MarkRead marks otherUserID's messages to userID as read. Idempotent.
func (r *Router) MarkRead(ctx context.Context, userID, otherUserID int64) error {
	if otherUserID <= 0 {
		return apperr.New(apperr.KindInvalidInput, "User id is required")
	}
	marked, err := r.store.MarkMessagesAsRead(ctx, otherUserID, userID)
	if err != nil {
		return err
	}
	if marked > 0 {
		r.readReceipt(ctx, userID, otherUserID)
	}
	return nil
}

func (r *Router) readReceipt(ctx context.Context, reader, sender int64) {
	r.push(ctx, models.Event{Type: models.EventMessagesRead, Payload: models.UserRef{UserID: reader}}, sender)
}

// RelayEphemeral forwards a typing signal to to's live connections. Nothing
// is queued when to has none.
func (r *Router) RelayEphemeral(ctx context.Context, kind string, from, to int64) error {
	var eventType string
	switch kind {
	case models.EventTyping:
		eventType = models.EventUserTyping
	case models.EventStopTyping:
		eventType = models.EventUserStoppedTyping
	default:
		return apperr.New(apperr.KindInvalidInput, "Unknown ephemeral event")
	}
	if to <= 0 {
		return apperr.New(apperr.KindInvalidInput, "Recipient is required")
	}
	r.push(ctx, models.Event{Type: eventType, Payload: models.UserRef{UserID: from}}, to)
	return nil
}

// BroadcastPresence tells every other live connection that userID came
// online or went offline. lastSeen is only set for offline.
func (r *Router) BroadcastPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) {
	change := models.PresenceChange{UserID: userID}
	eventType := models.EventUserOnline
	if !online {
		eventType = models.EventUserOffline
		if !lastSeen.IsZero() {
			change.LastSeen = &lastSeen
		}
	}

	data, err := json.Marshal(models.Event{Type: eventType, Payload: change})
	if err != nil {
		r.logger.Error("Error marshaling event", zap.Error(err))
		return
	}
	if err := r.bus.Broadcast(ctx, bus.Envelope{ExcludeUser: userID, Event: data}); err != nil {
		r.logger.Warn("Failed to broadcast presence", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Notify pushes an event to every connection of userID
func (r *Router) Notify(ctx context.Context, userID int64, event models.Event) {
	r.push(ctx, event, userID)
}

// push resolves the users' connections and publishes one envelope per
// owning node. Connection ids are deduplicated so a user listed twice gets
// the event once per connection.
func (r *Router) push(ctx context.Context, event models.Event, userIDs ...int64) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Error marshaling event", zap.String("type", event.Type), zap.Error(err))
		return
	}

	seen := make(map[string]struct{})
	byNode := make(map[string][]string)
	for _, userID := range userIDs {
		conns, err := r.presence.ConnectionsOf(ctx, userID)
		if err != nil {
			r.logger.Warn("Failed to resolve connections",
				zap.Int64("user_id", userID), zap.String("type", event.Type), zap.Error(err))
			continue
		}
		for _, connID := range conns {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			node := presence.NodeOf(connID)
			if node == "" {
				continue
			}
			byNode[node] = append(byNode[node], connID)
		}
	}

	for node, conns := range byNode {
		if err := r.bus.Publish(ctx, node, bus.Envelope{ConnIDs: conns, Event: data}); err != nil {
			r.logger.Warn("Failed to publish event",
				zap.String("node_id", node), zap.String("type", event.Type), zap.Error(err))
		}
	}
}
