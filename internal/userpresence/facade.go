// Package userpresence is the entry point for presence changes: login,
// heartbeat and logout from connections, and expiry from the notifier.
// Every transition is applied to the presence store first and then
// broadcast to /users/onlineStatus.
//
// Login and Logout are called once per connection; a user stays online
// while any of their connections on any node is open.
package userpresence

import (
	"context"
	"log"
	"time"

	"github.com/whisper/livechat/internal/broadcast"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/protocol"
)

// Presence is the subset of presence.Service used by the facade.
type Presence interface {
	SetOnline(ctx context.Context, userID int64) error
	RefreshHeartbeat(ctx context.Context, userID int64) (bool, error)
	SetOffline(ctx context.Context, userID int64) (bool, error)
	Connect(ctx context.Context, userID int64) (int64, error)
	Disconnect(ctx context.Context, userID int64) (int64, error)
	UpdateLastSeenOn(ctx context.Context, userID int64, at time.Time) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
	Status(ctx context.Context, userID int64) (presence.OnlineStatusEvent, error)
}

// Broadcaster is the fire-and-forget fan-out.
type Broadcaster interface {
	Send(dest broadcast.Destination, msgType string, body interface{})
}

// Facade coordinates presence state and its broadcasts.
type Facade struct {
	presence    Presence
	broadcaster Broadcaster
	location    *time.Location
	now         func() time.Time
}

// New creates a facade. Offline timestamps are expressed in location
// (UTC when nil).
func New(p Presence, b Broadcaster, location *time.Location) *Facade {
	if location == nil {
		location = time.UTC
	}
	return &Facade{presence: p, broadcaster: b, location: location, now: time.Now}
}

// Login counts a new connection, marks the user online and broadcasts it.
func (f *Facade) Login(ctx context.Context, userID int64) error {
	if _, err := f.presence.Connect(ctx, userID); err != nil {
		return err
	}
	return f.login(ctx, userID, "login")
}

func (f *Facade) login(ctx context.Context, userID int64, source string) error {
	if err := f.presence.SetOnline(ctx, userID); err != nil {
		return err
	}
	metrics.PresenceTransitionsTotal.WithLabelValues("online", source).Inc()
	f.broadcaster.Send(broadcast.Presence(), protocol.TypeOnlineStatus, presence.Online(userID))
	return nil
}

// Heartbeat refreshes the user's presence TTL. If the key already expired,
// the offline transition has happened and the still-live connection logs
// the user back in. restored reports that case.
func (f *Facade) Heartbeat(ctx context.Context, userID int64) (restored bool, err error) {
	alive, err := f.presence.RefreshHeartbeat(ctx, userID)
	if err != nil {
		return false, err
	}
	if alive {
		return false, nil
	}
	// The connection counter expired with the isOnline key; count this
	// connection again so its later Logout balances.
	if _, err := f.presence.Connect(ctx, userID); err != nil {
		return false, err
	}
	if err := f.login(ctx, userID, "heartbeat"); err != nil {
		return false, err
	}
	log.Printf("[presence] user=%d restored by heartbeat after expiry", userID)
	return true, nil
}

// Logout counts a closed connection. When it was the user's last one on
// any node the presence is removed immediately. The offline event is
// emitted only if this call removed the key; if it had already expired the
// notifier owns the transition.
func (f *Facade) Logout(ctx context.Context, userID int64) error {
	remaining, err := f.presence.Disconnect(ctx, userID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	removed, err := f.presence.SetOffline(ctx, userID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	return f.markOffline(ctx, userID, f.now().In(f.location), "logout")
}

// MarkOffline records lastSeenOn and broadcasts the offline event. It is
// the notifier's handler for expired isOnline keys. A user who logged in
// again before the expiry was processed is left alone.
func (f *Facade) MarkOffline(ctx context.Context, userID int64, at time.Time) error {
	online, err := f.presence.IsOnline(ctx, userID)
	if err != nil {
		return err
	}
	if online {
		log.Printf("[presence] user=%d back online, skipping stale expiry", userID)
		return nil
	}
	return f.markOffline(ctx, userID, at, "expiry")
}

func (f *Facade) markOffline(ctx context.Context, userID int64, at time.Time, source string) error {
	if err := f.presence.UpdateLastSeenOn(ctx, userID, at); err != nil {
		return err
	}
	metrics.PresenceTransitionsTotal.WithLabelValues("offline", source).Inc()
	f.broadcaster.Send(broadcast.Presence(), protocol.TypeOnlineStatus, presence.Offline(userID, at))
	return nil
}

// Status returns the user's current online status.
func (f *Facade) Status(ctx context.Context, userID int64) (presence.OnlineStatusEvent, error) {
	return f.presence.Status(ctx, userID)
}
