package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatReportsLapse(t *testing.T) {
	reg, mr := newRedisRegistry(t, nil)
	ctx := context.Background()

	revived, err := reg.Heartbeat(ctx, "node-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, revived, "first beat")

	revived, err = reg.Heartbeat(ctx, "node-a", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, revived)
	assert.Equal(t, 30*time.Second, mr.TTL(nodeAliveKey("node-a")))

	mr.FastForward(31 * time.Second)
	revived, err = reg.Heartbeat(ctx, "node-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, revived)
}

func TestSweepCrashedNode(t *testing.T) {
	rec := newFakeRecorder()
	reg, mr := newRedisRegistry(t, rec)
	ctx := context.Background()

	// node-a registers a user and then dies without purging.
	_, err := reg.Heartbeat(ctx, "node-a", 30*time.Second)
	require.NoError(t, err)
	_, err = reg.Register(ctx, 7, NewConnID("node-a"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, 8, NewConnID("node-a"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, 8, NewConnID("node-b"))
	require.NoError(t, err)

	var departed []Departure
	live := NewLiveness(reg, "node-b", 10*time.Second, 30*time.Second, nil)
	live.OnDeparted = func(ctx context.Context, deps []Departure) {
		departed = append(departed, deps...)
	}

	// node-a is still within its ttl.
	require.NoError(t, live.Beat(ctx))
	assert.Empty(t, departed)
	online, err := reg.IsOnline(ctx, 7)
	require.NoError(t, err)
	assert.True(t, online)

	mr.FastForward(31 * time.Second)
	require.NoError(t, live.Beat(ctx))

	require.Len(t, departed, 1)
	assert.Equal(t, int64(7), departed[0].UserID)
	assert.False(t, departed[0].LastSeen.IsZero())
	assert.Equal(t, 1, rec.count(7))

	online, err = reg.IsOnline(ctx, 7)
	require.NoError(t, err)
	assert.False(t, online)

	// User 8 keeps the connection held by the live node.
	conns, err := reg.ConnectionsOf(ctx, 8)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "node-b", NodeOf(conns[0]))

	// The dead node's index is gone, so later beats sweep nothing.
	dead, err := reg.DeadNodes(ctx, "node-b")
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestSweepNodeThatNeverBeat(t *testing.T) {
	reg, _ := newRedisRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, 3, "node-old:a")
	require.NoError(t, err)

	dead, err := reg.DeadNodes(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-old"}, dead)

	// A node never reports itself.
	dead, err = reg.DeadNodes(ctx, "node-old")
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestLivenessRevivesAfterLapse(t *testing.T) {
	reg, mr := newRedisRegistry(t, nil)
	ctx := context.Background()

	revivals := 0
	live := NewLiveness(reg, "node-a", 10*time.Second, 30*time.Second, nil)
	live.OnRevived = func(context.Context) { revivals++ }

	require.NoError(t, live.Beat(ctx))
	require.NoError(t, live.Beat(ctx))
	assert.Equal(t, 1, revivals)

	mr.FastForward(31 * time.Second)
	require.NoError(t, live.Beat(ctx))
	assert.Equal(t, 2, revivals)
}

func TestLivenessRaisesShortTTL(t *testing.T) {
	live := NewLiveness(nil, "node-a", 10*time.Second, 5*time.Second, nil)
	assert.Equal(t, 30*time.Second, live.ttl)
}
