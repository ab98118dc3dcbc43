package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NodeTracker is implemented by registries shared between processes. A node
// that stops refreshing its liveness key is considered crashed and its
// connections are swept by the surviving nodes.
type NodeTracker interface {
	Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) (bool, error)
	DeadNodes(ctx context.Context, self string) ([]string, error)
}

// SharedRegistry is a Registry that also tracks node liveness
type SharedRegistry interface {
	Registry
	NodeTracker
}

// Liveness keeps a node's liveness key fresh and purges the connections of
// nodes whose key has lapsed.
type Liveness struct {
	registry SharedRegistry
	nodeID   string
	interval time.Duration
	ttl      time.Duration
	logger   *zap.Logger

	// OnDeparted receives the users a sweep took offline
	OnDeparted func(ctx context.Context, departures []Departure)
	// OnRevived runs when this node's own key had lapsed, so its
	// connections may have been swept by another node
	OnRevived func(ctx context.Context)
}

// NewLiveness creates the loop for nodeID. ttl is raised to three intervals
// when shorter, so a single late beat does not get the node swept.
func NewLiveness(registry SharedRegistry, nodeID string, interval, ttl time.Duration, logger *zap.Logger) *Liveness {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if ttl < 3*interval {
		ttl = 3 * interval
	}
	return &Liveness{
		registry: registry,
		nodeID:   nodeID,
		interval: interval,
		ttl:      ttl,
		logger:   logger.Named("liveness"),
	}
}

// Beat refreshes this node's key once, then sweeps every dead node.
func (l *Liveness) Beat(ctx context.Context) error {
	revived, err := l.registry.Heartbeat(ctx, l.nodeID, l.ttl)
	if err != nil {
		return err
	}
	if revived && l.OnRevived != nil {
		l.OnRevived(ctx)
	}

	dead, err := l.registry.DeadNodes(ctx, l.nodeID)
	if err != nil {
		return err
	}
	for _, nodeID := range dead {
		departures, err := l.registry.PurgeNode(ctx, nodeID)
		if len(departures) > 0 && l.OnDeparted != nil {
			l.OnDeparted(ctx, departures)
		}
		if err != nil {
			return err
		}
		l.logger.Info("Swept dead node", zap.String("dead_node_id", nodeID), zap.Int("went_offline", len(departures)))
	}
	return nil
}

// Run beats every interval until ctx is done
func (l *Liveness) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Beat(ctx); err != nil {
				l.logger.Warn("Liveness beat failed", zap.Error(err))
			}
		}
	}
}
