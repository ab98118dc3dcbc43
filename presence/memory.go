package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryRegistry keeps presence in process memory. It is only correct for a
// single-instance deployment.
type MemoryRegistry struct {
	mu       sync.Mutex
	conns    map[int64]map[string]struct{}
	recorder LastSeenRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewMemoryRegistry creates an in-process registry. recorder may be nil.
func NewMemoryRegistry(recorder LastSeenRecorder, logger *zap.Logger) *MemoryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRegistry{
		conns:    make(map[int64]map[string]struct{}),
		recorder: recorder,
		logger:   logger.Named("presence"),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, userID int64, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	if _, exists := set[connID]; exists {
		return false, nil
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, userID int64, connID string) (Departure, error) {
	r.mu.Lock()
	offline := r.remove(userID, connID)
	r.mu.Unlock()

	if !offline {
		return Departure{UserID: userID}, nil
	}
	return stampLastSeen(ctx, r.recorder, r.logger, userID, r.now()), nil
}

// remove must be called with mu held
func (r *MemoryRegistry) remove(userID int64, connID string) bool {
	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, exists := set[connID]; !exists {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

func (r *MemoryRegistry) IsOnline(ctx context.Context, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0, nil
}

func (r *MemoryRegistry) ConnectionsOf(ctx context.Context, userID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.conns[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryRegistry) PurgeNode(ctx context.Context, nodeID string) ([]Departure, error) {
	var offline []int64

	r.mu.Lock()
	for userID, set := range r.conns {
		for connID := range set {
			if NodeOf(connID) == nodeID && r.remove(userID, connID) {
				offline = append(offline, userID)
			}
		}
	}
	r.mu.Unlock()

	now := r.now()
	departures := make([]Departure, 0, len(offline))
	for _, userID := range offline {
		departures = append(departures, stampLastSeen(ctx, r.recorder, r.logger, userID, now))
	}
	return departures, nil
}

// stampLastSeen records an offline transition. A failed write is logged and
// does not undo the transition: the presence set is already empty.
func stampLastSeen(ctx context.Context, recorder LastSeenRecorder, logger *zap.Logger, userID int64, at time.Time) Departure {
	at = at.UTC()
	if recorder != nil {
		if err := recorder.SetLastSeen(ctx, userID, at); err != nil {
			logger.Warn("Failed to stamp last seen", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return Departure{UserID: userID, Offline: true, LastSeen: at}
}
