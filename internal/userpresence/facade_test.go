package userpresence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/broadcast"
	"github.com/whisper/livechat/internal/presence"
)

// kvStore is an in-memory presence.Store whose expire method behaves like
// the TTL elapsing: the key disappears and its name is emitted.
type kvStore struct {
	mu       sync.Mutex
	online   map[int64]bool
	lastSeen map[int64]time.Time
	conns    map[int64]int64
	expired  chan string
	down     bool
}

func newKVStore() *kvStore {
	return &kvStore{
		online:   map[int64]bool{},
		lastSeen: map[int64]time.Time{},
		conns:    map[int64]int64{},
		expired:  make(chan string, 16),
	}
}

var errDown = errors.New("dial tcp: connection refused")

func (s *kvStore) SetOnline(_ context.Context, id int64, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errDown
	}
	s.online[id] = true
	delete(s.lastSeen, id)
	return nil
}

func (s *kvStore) Refresh(_ context.Context, id int64, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false, errDown
	}
	return s.online[id], nil
}

func (s *kvStore) Exists(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false, errDown
	}
	return s.online[id], nil
}

func (s *kvStore) RemoveOnline(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false, errDown
	}
	was := s.online[id]
	delete(s.online, id)
	return was, nil
}

func (s *kvStore) AddConnection(_ context.Context, id int64, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, errDown
	}
	s.conns[id]++
	return s.conns[id], nil
}

func (s *kvStore) RemoveConnection(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, errDown
	}
	s.conns[id]--
	if s.conns[id] <= 0 {
		delete(s.conns, id)
		return 0, nil
	}
	return s.conns[id], nil
}

func (s *kvStore) SetLastSeen(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[id] = at
	return nil
}

func (s *kvStore) LastSeen(_ context.Context, id int64) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastSeen[id]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// expire removes the isOnline key the way Redis would and reports whether
// an expiry happened.
func (s *kvStore) expire(id int64) bool {
	s.mu.Lock()
	was := s.online[id]
	delete(s.online, id)
	delete(s.conns, id)
	s.mu.Unlock()
	if was {
		s.expired <- presence.Key(id, presence.AttrIsOnline)
	}
	return was
}

func (s *kvStore) Subscribe(context.Context) (<-chan string, error) {
	return s.expired, nil
}

type statusRecorder struct {
	mu     sync.Mutex
	events []presence.OnlineStatusEvent
	dests  []broadcast.Destination
	notify chan struct{}
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{notify: make(chan struct{}, 16)}
}

func (r *statusRecorder) Send(dest broadcast.Destination, _ string, body interface{}) {
	r.mu.Lock()
	r.events = append(r.events, body.(presence.OnlineStatusEvent))
	r.dests = append(r.dests, dest)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *statusRecorder) snapshot() []presence.OnlineStatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presence.OnlineStatusEvent(nil), r.events...)
}

func (r *statusRecorder) offline(userID int64) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.UserID == userID && !e.IsOnline {
			n++
		}
	}
	return n
}

func newTestFacade() (*Facade, *kvStore, *statusRecorder) {
	store := newKVStore()
	svc := presence.NewService(store, nil, presence.DefaultConfig())
	rec := newStatusRecorder()
	return New(svc, rec, time.UTC), store, rec
}

var ctx = context.Background()

func TestLoginBroadcastsOnline(t *testing.T) {
	f, store, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 1))

	assert.True(t, store.online[1])
	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, presence.Online(1), events[0])
	assert.Equal(t, broadcast.Presence(), rec.dests[0])
}

func TestHeartbeatKeepsUserOnlineWithoutEvents(t *testing.T) {
	f, _, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 1))

	for i := 0; i < 5; i++ {
		restored, err := f.Heartbeat(ctx, 1)
		require.NoError(t, err)
		assert.False(t, restored)
	}
	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, 0, rec.offline(1))
}

func TestHeartbeatAfterExpiryRestoresPresence(t *testing.T) {
	f, store, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 1))
	store.expire(1)

	restored, err := f.Heartbeat(ctx, 1)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.True(t, store.online[1])

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[1].IsOnline)
}

func TestLogoutEmitsOneOfflineEvent(t *testing.T) {
	f, store, rec := newTestFacade()
	fixed := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }
	require.NoError(t, f.Login(ctx, 1))

	require.NoError(t, f.Logout(ctx, 1))
	require.NoError(t, f.Logout(ctx, 1))

	assert.Equal(t, 1, rec.offline(1))
	last := rec.snapshot()[1]
	require.NotNil(t, last.LastSeenOn)
	assert.True(t, fixed.Equal(*last.LastSeenOn))
	assert.True(t, fixed.Equal(store.lastSeen[1]))
}

// Two connections, possibly on different nodes: closing one keeps the user
// online without any event; closing the last one goes offline once.
func TestLogoutWaitsForLastConnection(t *testing.T) {
	f, store, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 1))
	require.NoError(t, f.Login(ctx, 1))
	before := len(rec.snapshot())

	require.NoError(t, f.Logout(ctx, 1))
	assert.True(t, store.online[1])
	assert.Len(t, rec.snapshot(), before, "no offline/online flap")

	require.NoError(t, f.Logout(ctx, 1))
	assert.False(t, store.online[1])
	assert.Equal(t, 1, rec.offline(1))
}

func TestHeartbeatRestoreRecountsConnection(t *testing.T) {
	f, store, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 1))
	store.expire(1)

	restored, err := f.Heartbeat(ctx, 1)
	require.NoError(t, err)
	require.True(t, restored)
	assert.Equal(t, int64(1), store.conns[1])

	require.NoError(t, f.Logout(ctx, 1))
	assert.Equal(t, 1, rec.offline(1))
}

func TestLogoutAfterExpiryLeavesTransitionToNotifier(t *testing.T) {
	f, store, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 1))
	store.expire(1)

	require.NoError(t, f.Logout(ctx, 1))
	assert.Equal(t, 0, rec.offline(1))
}

func TestMarkOfflineSkipsUserWhoCameBack(t *testing.T) {
	f, _, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 1))

	require.NoError(t, f.MarkOffline(ctx, 1, time.Now()))
	assert.Equal(t, 0, rec.offline(1))
}

func TestStoreOutageSurfacesTransient(t *testing.T) {
	f, store, rec := newTestFacade()
	store.down = true

	err := f.Login(ctx, 1)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	_, err = f.Heartbeat(ctx, 1)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	assert.Empty(t, rec.snapshot())
}

func TestStatus(t *testing.T) {
	f, _, _ := newTestFacade()
	require.NoError(t, f.Login(ctx, 3))
	st, err := f.Status(ctx, 3)
	require.NoError(t, err)
	assert.True(t, st.IsOnline)
	assert.Nil(t, st.LastSeenOn)
}

// A user who stops heartbeating gets exactly one offline event with a
// lastSeenOn at or after the expiry.
func TestExpiryThroughNotifierEmitsExactlyOneOffline(t *testing.T) {
	f, store, rec := newTestFacade()
	require.NoError(t, f.Login(ctx, 7))
	<-rec.notify

	n := presence.NewNotifier(store, f, presence.DefaultNotifierConfig())
	require.NoError(t, n.Start(ctx))
	defer n.Stop()

	expiredAt := time.Now()
	require.True(t, store.expire(7))
	require.False(t, store.expire(7), "a key expires once")

	select {
	case <-rec.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no offline broadcast")
	}

	assert.Equal(t, 1, rec.offline(7))
	events := rec.snapshot()
	last := events[len(events)-1]
	assert.False(t, last.IsOnline)
	require.NotNil(t, last.LastSeenOn)
	assert.False(t, last.LastSeenOn.Before(expiredAt))

	online, err := presence.NewService(store, nil, presence.DefaultConfig()).IsOnline(ctx, 7)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestNotifierIgnoresGarbageKeys(t *testing.T) {
	f, store, rec := newTestFacade()
	n := presence.NewNotifier(store, f, presence.DefaultNotifierConfig())
	require.NoError(t, n.Start(ctx))

	store.expired <- "garbage"
	store.expired <- "user:x:isOnline"
	n.Stop()

	assert.Empty(t, rec.snapshot())
}

// stuckClient is a registry subscriber that never finishes a write.
type stuckClient struct {
	release chan struct{}
}

func (c *stuckClient) SubscriberID() string { return "stuck" }

func (c *stuckClient) Send([]byte) error {
	<-c.release
	return nil
}

type timedHandler struct {
	next  presence.OfflineHandler
	mu    sync.Mutex
	spent []time.Duration
}

func (h *timedHandler) MarkOffline(ctx context.Context, userID int64, at time.Time) error {
	start := time.Now()
	err := h.next.MarkOffline(ctx, userID, at)
	h.mu.Lock()
	h.spent = append(h.spent, time.Since(start))
	h.mu.Unlock()
	return err
}

func (h *timedHandler) durations() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.spent...)
}

// A client that stops reading must not hold up expiry processing: every
// offline transition finishes well inside the notifier timeout.
func TestExpiryNotHeldUpBySlowClient(t *testing.T) {
	bus := broadcast.NewLocalBus()
	t.Cleanup(bus.Close)
	registry := broadcast.NewRegistry()
	b := broadcast.NewBroadcaster(bus, registry)
	require.NoError(t, b.Start())

	client := &stuckClient{release: make(chan struct{})}
	t.Cleanup(func() { close(client.release) })
	registry.Subscribe(client, broadcast.Presence())

	store := newKVStore()
	f := New(presence.NewService(store, nil, presence.DefaultConfig()), b, time.UTC)
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, f.Login(ctx, id))
	}

	timeout := 300 * time.Millisecond
	handler := &timedHandler{next: f}
	n := presence.NewNotifier(store, handler, presence.NotifierConfig{Timeout: timeout})
	require.NoError(t, n.Start(ctx))
	defer n.Stop()

	for _, id := range []int64{1, 2, 3} {
		require.True(t, store.expire(id))
	}

	require.Eventually(t, func() bool { return len(handler.durations()) == 3 }, 2*time.Second, 5*time.Millisecond)
	for i, d := range handler.durations() {
		assert.Lessf(t, d, timeout, "expiry %d took %s", i, d)
	}
	store.mu.Lock()
	assert.Len(t, store.lastSeen, 3, "every user got a lastSeenOn")
	store.mu.Unlock()
}
