package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS connection
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// NATSBus carries envelopes between nodes over NATS core subjects:
// <prefix>.node.<nodeID> for addressed traffic and <prefix>.broadcast for
// fan-out to every node.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBus connects to NATS
func NewNATSBus(cfg NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bus")

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "scuffedchat"
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("scuffedchat"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS async error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSBus{conn: conn, prefix: prefix, logger: logger}, nil
}

func (b *NATSBus) nodeSubject(nodeID string) string {
	return b.prefix + ".node." + nodeID
}

func (b *NATSBus) broadcastSubject() string {
	return b.prefix + ".broadcast"
}

func (b *NATSBus) publish(subject string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}

func (b *NATSBus) Publish(ctx context.Context, nodeID string, env Envelope) error {
	return b.publish(b.nodeSubject(nodeID), env)
}

func (b *NATSBus) Broadcast(ctx context.Context, env Envelope) error {
	return b.publish(b.broadcastSubject(), env)
}

func (b *NATSBus) Subscribe(nodeID string, handler Handler) error {
	deliver := func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("Dropping malformed envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(env)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subject := range []string{b.nodeSubject(nodeID), b.broadcastSubject()} {
		sub, err := b.conn.Subscribe(subject, deliver)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	return b.conn.Flush()
}

// Close drains subscriptions so in-flight envelopes are still handled
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
	return b.conn.Drain()
}
