package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"scuffedchat/apperr"
)

const (
	// userConnsKeyPrefix + userID -> set of connection ids
	userConnsKeyPrefix = "presence:user:"
	// onlineUsersKey -> set of user ids with at least one connection
	onlineUsersKey = "presence:online"
	// nodeConnsKeyPrefix + nodeID -> set of "userID|connID" owned by a node
	nodeConnsKeyPrefix = "presence:node:"
	// nodeAliveKeyPrefix + nodeID -> liveness key, expires unless refreshed
	nodeAliveKeyPrefix = "presence:alive:"
)

func userConnsKey(userID int64) string {
	return fmt.Sprintf("%s%d:conns", userConnsKeyPrefix, userID)
}

func nodeConnsKey(nodeID string) string {
	return nodeConnsKeyPrefix + nodeID
}

func nodeAliveKey(nodeID string) string {
	return nodeAliveKeyPrefix + nodeID
}

func nodeMember(userID int64, connID string) string {
	return strconv.FormatInt(userID, 10) + "|" + connID
}

// Each script touches the user's set, the online index and the node index in
// one atomic step, so concurrent connects and disconnects from any number of
// processes cannot miscount.
var registerScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
if added == 1 and redis.call('SCARD', KEYS[1]) == 1 then
	redis.call('SADD', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

var unregisterScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[3])
if removed == 1 and redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// RedisRegistry keeps presence in Redis sets shared by every server process.
type RedisRegistry struct {
	client   redis.UniversalClient
	recorder LastSeenRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewRedisRegistry creates a registry on top of client. recorder may be nil.
func NewRedisRegistry(client redis.UniversalClient, recorder LastSeenRecorder, logger *zap.Logger) *RedisRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRegistry{
		client:   client,
		recorder: recorder,
		logger:   logger.Named("presence"),
		now:      time.Now,
	}
}

func (r *RedisRegistry) Register(ctx context.Context, userID int64, connID string) (bool, error) {
	keys := []string{userConnsKey(userID), onlineUsersKey, nodeConnsKey(NodeOf(connID))}
	online, err := registerScript.Run(ctx, r.client, keys,
		connID, userID, nodeMember(userID, connID)).Int()
	if err != nil {
		r.logger.Error("Failed to register connection",
			zap.Int64("user_id", userID), zap.String("conn_id", connID), zap.Error(err))
		return false, apperr.Unavailable(err)
	}

	r.logger.Debug("Registered connection",
		zap.Int64("user_id", userID), zap.String("conn_id", connID), zap.Bool("came_online", online == 1))
	return online == 1, nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, userID int64, connID string) (Departure, error) {
	keys := []string{userConnsKey(userID), onlineUsersKey, nodeConnsKey(NodeOf(connID))}
	offline, err := unregisterScript.Run(ctx, r.client, keys,
		connID, userID, nodeMember(userID, connID)).Int()
	if err != nil {
		r.logger.Error("Failed to unregister connection",
			zap.Int64("user_id", userID), zap.String("conn_id", connID), zap.Error(err))
		return Departure{UserID: userID}, apperr.Unavailable(err)
	}
	if offline == 0 {
		return Departure{UserID: userID}, nil
	}
	return stampLastSeen(ctx, r.recorder, r.logger, userID, r.now()), nil
}

func (r *RedisRegistry) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := r.client.SCard(ctx, userConnsKey(userID)).Result()
	if err != nil {
		return false, apperr.Unavailable(err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) ConnectionsOf(ctx context.Context, userID int64) ([]string, error) {
	ids, err := r.client.SMembers(ctx, userConnsKey(userID)).Result()
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return ids, nil
}

// OnlineUsers returns the ids of every user currently online
func (r *RedisRegistry) OnlineUsers(ctx context.Context) ([]int64, error) {
	members, err := r.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *RedisRegistry) PurgeNode(ctx context.Context, nodeID string) ([]Departure, error) {
	members, err := r.client.SMembers(ctx, nodeConnsKey(nodeID)).Result()
	if err != nil {
		return nil, apperr.Unavailable(err)
	}

	var departures []Departure
	for _, member := range members {
		rawUser, connID, ok := strings.Cut(member, "|")
		if !ok {
			r.client.SRem(ctx, nodeConnsKey(nodeID), member)
			continue
		}
		userID, err := strconv.ParseInt(rawUser, 10, 64)
		if err != nil {
			r.client.SRem(ctx, nodeConnsKey(nodeID), member)
			continue
		}
		dep, err := r.Unregister(ctx, userID, connID)
		if err != nil {
			return departures, err
		}
		if dep.Offline {
			departures = append(departures, dep)
		}
	}

	if len(members) > 0 {
		r.logger.Info("Purged node connections",
			zap.String("node_id", nodeID), zap.Int("connections", len(members)), zap.Int("went_offline", len(departures)))
	}
	return departures, nil
}

// Heartbeat refreshes nodeID's liveness key. It reports true when the key
// was missing: the first beat, or a lapse long enough for other nodes to
// have swept this node's connections.
func (r *RedisRegistry) Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	key := nodeAliveKey(nodeID)
	refreshed, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, apperr.Unavailable(err)
	}
	if refreshed {
		return false, nil
	}
	if err := r.client.Set(ctx, key, r.now().Unix(), ttl).Err(); err != nil {
		return false, apperr.Unavailable(err)
	}
	return true, nil
}

// DeadNodes lists the nodes that still own connections but whose liveness
// key has expired. self is never reported.
func (r *RedisRegistry) DeadNodes(ctx context.Context, self string) ([]string, error) {
	var dead []string
	iter := r.client.Scan(ctx, 0, nodeConnsKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		nodeID := strings.TrimPrefix(iter.Val(), nodeConnsKeyPrefix)
		if nodeID == "" || nodeID == self {
			continue
		}
		alive, err := r.client.Exists(ctx, nodeAliveKey(nodeID)).Result()
		if err != nil {
			return nil, apperr.Unavailable(err)
		}
		if alive == 0 {
			dead = append(dead, nodeID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, apperr.Unavailable(err)
	}
	return dead, nil
}
