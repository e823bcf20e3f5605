// Package presence tracks whether users are online. The isOnline key in the
// presence store is the single source of truth: it is refreshed by
// heartbeats and removed by the store when its TTL elapses, which the
// Notifier turns into an offline transition.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/whisper/livechat/internal/apperr"
)

// OnlineStatusEvent is broadcast whenever a user's online state changes.
// LastSeenOn is set only when IsOnline is false.
type OnlineStatusEvent struct {
	UserID     int64      `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenOn *time.Time `json:"lastSeenOn"`
}

// Online builds the event for a user coming online.
func Online(userID int64) OnlineStatusEvent {
	return OnlineStatusEvent{UserID: userID, IsOnline: true}
}

// Offline builds the event for a user who went offline at the given time.
func Offline(userID int64, at time.Time) OnlineStatusEvent {
	return OnlineStatusEvent{UserID: userID, IsOnline: false, LastSeenOn: &at}
}

// LastSeenRecorder persists the durable "last seen" marker outside the
// presence store (the relational users table).
type LastSeenRecorder interface {
	UpdateLastSeenOn(ctx context.Context, userID int64, at time.Time) error
	LastSeenOn(ctx context.Context, userID int64) (*time.Time, error)
}

// Config holds presence timing parameters.
type Config struct {
	HeartbeatInterval time.Duration // expected client heartbeat period
	GraceFactor       int           // heartbeats that may be missed before expiry
}

// DefaultConfig returns a 10s heartbeat with a grace factor of 3 (30s TTL).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		GraceFactor:       3,
	}
}

// TTL is the lifetime of the isOnline key.
func (c Config) TTL() time.Duration {
	factor := c.GraceFactor
	if factor < 1 {
		factor = 1
	}
	return c.HeartbeatInterval * time.Duration(factor)
}

// Service reads and writes presence state. It performs no retries; store
// failures are returned as apperr.KindTransient.
type Service struct {
	store    Store
	recorder LastSeenRecorder // optional
	ttl      time.Duration
}

// NewService creates a presence service. recorder may be nil, in which case
// last-seen markers live only in the presence store.
func NewService(store Store, recorder LastSeenRecorder, config Config) *Service {
	return &Service{store: store, recorder: recorder, ttl: config.TTL()}
}

// TTL returns the isOnline key lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// SetOnline marks the user online with a fresh TTL. Calling it again only
// refreshes the TTL.
func (s *Service) SetOnline(ctx context.Context, userID int64) error {
	if err := s.store.SetOnline(ctx, userID, s.ttl); err != nil {
		return apperr.Transient(err, "presence unavailable")
	}
	return nil
}

// RefreshHeartbeat resets the TTL of the isOnline key. If the key has
// already expired it returns false without error: the user is offline.
func (s *Service) RefreshHeartbeat(ctx context.Context, userID int64) (bool, error) {
	alive, err := s.store.Refresh(ctx, userID, s.ttl)
	if err != nil {
		return false, apperr.Transient(err, "presence unavailable")
	}
	return alive, nil
}

// SetOffline removes the isOnline key for an explicit logout. It returns
// true only if this call performed the removal, so at most one caller ever
// owns a given offline transition.
func (s *Service) SetOffline(ctx context.Context, userID int64) (bool, error) {
	removed, err := s.store.RemoveOnline(ctx, userID)
	if err != nil {
		return false, apperr.Transient(err, "presence unavailable")
	}
	return removed, nil
}

// Connect counts a newly opened connection of the user and returns the
// number of open connections across all nodes.
func (s *Service) Connect(ctx context.Context, userID int64) (int64, error) {
	n, err := s.store.AddConnection(ctx, userID, s.ttl)
	if err != nil {
		return 0, apperr.Transient(err, "presence unavailable")
	}
	return n, nil
}

// Disconnect counts a closed connection and returns how many remain.
func (s *Service) Disconnect(ctx context.Context, userID int64) (int64, error) {
	n, err := s.store.RemoveConnection(ctx, userID)
	if err != nil {
		return 0, apperr.Transient(err, "presence unavailable")
	}
	return n, nil
}

// UpdateLastSeenOn records the time of an offline transition in the
// presence store and, if configured, in the durable store.
func (s *Service) UpdateLastSeenOn(ctx context.Context, userID int64, at time.Time) error {
	if err := s.store.SetLastSeen(ctx, userID, at); err != nil {
		return apperr.Transient(err, "presence unavailable")
	}
	if s.recorder != nil {
		if err := s.recorder.UpdateLastSeenOn(ctx, userID, at); err != nil {
			return apperr.Transient(err, "presence unavailable")
		}
	}
	return nil
}

// IsOnline reports whether the isOnline key exists.
func (s *Service) IsOnline(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.store.Exists(ctx, userID)
	if err != nil {
		return false, apperr.Transient(err, "presence unavailable")
	}
	return ok, nil
}

// LastSeenOn returns when the user was last seen, preferring the presence
// store and falling back to the durable store. It returns nil if unknown.
func (s *Service) LastSeenOn(ctx context.Context, userID int64) (*time.Time, error) {
	at, err := s.store.LastSeen(ctx, userID)
	if err != nil {
		return nil, apperr.Transient(err, "presence unavailable")
	}
	if at != nil || s.recorder == nil {
		return at, nil
	}
	at, err = s.recorder.LastSeenOn(ctx, userID)
	if err != nil {
		log.Printf("[presence] durable last seen lookup user=%d: %v", userID, err)
		return nil, apperr.Transient(err, "presence unavailable")
	}
	return at, nil
}

// Status returns the user's current online status.
func (s *Service) Status(ctx context.Context, userID int64) (OnlineStatusEvent, error) {
	online, err := s.IsOnline(ctx, userID)
	if err != nil {
		return OnlineStatusEvent{}, err
	}
	if online {
		return Online(userID), nil
	}
	at, err := s.LastSeenOn(ctx, userID)
	if err != nil {
		return OnlineStatusEvent{}, err
	}
	return OnlineStatusEvent{UserID: userID, LastSeenOn: at}, nil
}
