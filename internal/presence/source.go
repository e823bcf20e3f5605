package presence

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// ExpiredKeySource delivers the names of keys removed by TTL expiry. The
// returned channel is closed when ctx is cancelled or the source fails.
type ExpiredKeySource interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// RedisExpirySource reads expired-key events from Redis keyspace
// notifications on __keyevent@<db>__:expired.
type RedisExpirySource struct {
	client    *redis.Client
	db        int
	configure bool
}

// NewRedisExpirySource creates a source for the given Redis database. When
// configure is true, Subscribe enables expired-event notifications with
// CONFIG SET before subscribing; managed Redis services usually forbid
// CONFIG and must be configured out of band.
func NewRedisExpirySource(client *redis.Client, db int, configure bool) *RedisExpirySource {
	return &RedisExpirySource{client: client, db: db, configure: configure}
}

// Channel returns the keyevent channel name subscribed to.
func (s *RedisExpirySource) Channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", s.db)
}

// Subscribe starts the subscription and returns the channel of expired key
// names.
func (s *RedisExpirySource) Subscribe(ctx context.Context) (<-chan string, error) {
	if s.configure {
		if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			return nil, fmt.Errorf("presence: enable keyspace notifications: %w", err)
		}
	}

	pubsub := s.client.Subscribe(ctx, s.Channel())
	// Wait for the subscription confirmation so events are not missed
	// between Subscribe returning and the first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("presence: subscribe %s: %w", s.Channel(), err)
	}
	log.Printf("[presence] subscribed to %s", s.Channel())

	out := make(chan string, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
