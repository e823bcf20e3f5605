package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the TTL-capable key-value backend holding presence keys.
type Store interface {
	SetOnline(ctx context.Context, userID int64, ttl time.Duration) error
	Refresh(ctx context.Context, userID int64, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, userID int64) (bool, error)
	RemoveOnline(ctx context.Context, userID int64) (bool, error)
	AddConnection(ctx context.Context, userID int64, ttl time.Duration) (int64, error)
	RemoveConnection(ctx context.Context, userID int64) (int64, error)
	SetLastSeen(ctx context.Context, userID int64, at time.Time) error
	LastSeen(ctx context.Context, userID int64) (*time.Time, error)
}

// RedisStore keeps presence keys in Redis. The isOnline key carries the TTL
// and Redis removes it when the TTL elapses; lastSeenOn has no TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a presence store on the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SetOnline sets the isOnline key with a fresh TTL and clears any stale
// lastSeenOn marker in one pipeline.
func (s *RedisStore) SetOnline(ctx context.Context, userID int64, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, Key(userID, AttrIsOnline), "true", ttl)
	pipe.Del(ctx, Key(userID, AttrLastSeenOn))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set online %d: %w", userID, err)
	}
	return nil
}

// Refresh resets the TTL of the isOnline key and the connection counter. It
// returns false when the isOnline key no longer exists.
func (s *RedisStore) Refresh(ctx context.Context, userID int64, ttl time.Duration) (bool, error) {
	pipe := s.client.TxPipeline()
	online := pipe.Expire(ctx, Key(userID, AttrIsOnline), ttl)
	pipe.Expire(ctx, Key(userID, AttrConnections), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: refresh %d: %w", userID, err)
	}
	return online.Val(), nil
}

// AddConnection increments the user's open connection count and returns it.
// The counter shares the isOnline TTL so counts left behind by a crashed
// node eventually expire.
func (s *RedisStore) AddConnection(ctx context.Context, userID int64, ttl time.Duration) (int64, error) {
	key := Key(userID, AttrConnections)
	pipe := s.client.TxPipeline()
	n := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence: add connection %d: %w", userID, err)
	}
	return n.Val(), nil
}

// releaseConnection decrements the counter and deletes it at zero so a
// missing key and a zero count mean the same thing.
var releaseConnection = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return n
`)

// RemoveConnection decrements the user's open connection count and returns
// what is left.
func (s *RedisStore) RemoveConnection(ctx context.Context, userID int64) (int64, error) {
	n, err := releaseConnection.Run(ctx, s.client, []string{Key(userID, AttrConnections)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence: remove connection %d: %w", userID, err)
	}
	return n, nil
}

// Exists reports whether the isOnline key is present.
func (s *RedisStore) Exists(ctx context.Context, userID int64) (bool, error) {
	n, err := s.client.Exists(ctx, Key(userID, AttrIsOnline)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: exists %d: %w", userID, err)
	}
	return n == 1, nil
}

// RemoveOnline deletes the isOnline key and reports whether this call removed
// it. A concurrent TTL expiry and a DEL cannot both succeed.
func (s *RedisStore) RemoveOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := s.client.Del(ctx, Key(userID, AttrIsOnline)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: remove online %d: %w", userID, err)
	}
	return n == 1, nil
}

// SetLastSeen writes the lastSeenOn marker.
func (s *RedisStore) SetLastSeen(ctx context.Context, userID int64, at time.Time) error {
	if err := s.client.Set(ctx, Key(userID, AttrLastSeenOn), at.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("presence: set last seen %d: %w", userID, err)
	}
	return nil
}

// LastSeen returns the lastSeenOn marker, or nil if none is stored.
func (s *RedisStore) LastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	raw, err := s.client.Get(ctx, Key(userID, AttrLastSeenOn)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: get last seen %d: %w", userID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("presence: parse last seen %d: %w", userID, err)
	}
	return &at, nil
}
