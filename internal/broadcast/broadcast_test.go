package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id   string
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (f *fakeSub) SubscriberID() string { return f.id }

func (f *fakeSub) Send(data []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.got = append(f.got, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.got...)
}

// stalledSub blocks in Send until release is closed, like a client whose
// socket stopped draining.
type stalledSub struct {
	fakeSub
	entered chan struct{}
	release chan struct{}
}

func newStalledSub(id string) *stalledSub {
	return &stalledSub{
		fakeSub: fakeSub{id: id},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *stalledSub) Send(data []byte) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.fakeSub.Send(data)
}

type failingBus struct{}

func (failingBus) Publish(string, []byte) error { return errors.New("nats: connection closed") }
func (failingBus) Subscribe(string, func(string, []byte)) error {
	return errors.New("nats: connection closed")
}

func TestDestinationPathsAndSubjects(t *testing.T) {
	assert.Equal(t, "/users/onlineStatus", Presence().Path())
	assert.Equal(t, "dest.users.onlineStatus", Presence().Subject())
	assert.Equal(t, "/chats/12", Chat(12).Path())
	assert.Equal(t, "dest.chats.12", Chat(12).Subject())

	for _, d := range []Destination{Presence(), Chat(1), Chat(987654321)} {
		parsed, err := ParseDestination(d.Path())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)

		parsed, err = ParseSubject(d.Subject())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
}

func TestParseDestinationRejects(t *testing.T) {
	for _, p := range []string{"", "/chats/", "/chats/abc", "/chats/0", "/chats/1/x", "/users", "/app/chats/1/join"} {
		_, err := ParseDestination(p)
		assert.Errorf(t, err, "ParseDestination(%q)", p)
	}
	_, err := ParseSubject("dest.chats.x")
	assert.Error(t, err)
}

func TestRegistrySubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}

	assert.True(t, r.Subscribe(a, Chat(1)))
	assert.False(t, r.Subscribe(a, Chat(1)), "duplicate subscription")
	assert.True(t, r.Subscribe(b, Chat(1)))
	assert.True(t, r.Subscribe(a, Presence()))

	assert.Len(t, r.Subscribers(Chat(1)), 2)
	assert.ElementsMatch(t, []Destination{Chat(1), Presence()}, r.Destinations("a"))

	assert.True(t, r.Unsubscribe("b", Chat(1)))
	assert.False(t, r.Unsubscribe("b", Chat(1)))
	assert.Len(t, r.Subscribers(Chat(1)), 1)

	assert.Equal(t, 2, r.UnsubscribeAll("a"))
	assert.Empty(t, r.Subscribers(Chat(1)))
	assert.Empty(t, r.Subscribers(Presence()))
	assert.Empty(t, r.Destinations("a"))
}

func TestRegistryDeliverSkipsFailedWriters(t *testing.T) {
	r := NewRegistry()
	ok := &fakeSub{id: "ok"}
	broken := &fakeSub{id: "broken", fail: true}
	other := &fakeSub{id: "other"}
	r.Subscribe(ok, Chat(1))
	r.Subscribe(broken, Chat(1))
	r.Subscribe(other, Chat(2))

	assert.Equal(t, 1, r.Deliver(Chat(1), []byte("x")))
	assert.Len(t, ok.frames(), 1)
	assert.Empty(t, other.frames())
}

func TestBroadcasterLoopback(t *testing.T) {
	r := NewRegistry()
	bus := NewLocalBus()
	defer bus.Close()
	b := NewBroadcaster(bus, r)
	require.NoError(t, b.Start())

	chatSub := &fakeSub{id: "c1"}
	presenceSub := &fakeSub{id: "c2"}
	r.Subscribe(chatSub, Chat(5))
	r.Subscribe(presenceSub, Presence())

	b.Send(Chat(5), "chat_event", map[string]interface{}{"chatId": 5, "eventType": "JOIN"})
	b.Send(Chat(6), "chat_event", map[string]interface{}{"chatId": 6})

	require.Eventually(t, func() bool { return len(chatSub.frames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	frames := chatSub.frames()
	var frame struct {
		Type        string                 `json:"type"`
		Destination string                 `json:"destination"`
		Body        map[string]interface{} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "chat_event", frame.Type)
	assert.Equal(t, "/chats/5", frame.Destination)
	assert.Equal(t, "JOIN", frame.Body["eventType"])
	assert.Empty(t, presenceSub.frames())
}

func TestBroadcasterSendSwallowsBusFailure(t *testing.T) {
	b := NewBroadcaster(failingBus{}, nil)
	assert.NotPanics(t, func() { b.Send(Presence(), "online_status", struct{}{}) })
	assert.Error(t, b.Publish(Presence(), "online_status", struct{}{}))
	assert.Error(t, b.Publish(Destination{}, "online_status", struct{}{}))
	assert.Error(t, b.Start(), "start without registry")
}

func TestLocalBusWildcard(t *testing.T) {
	assert.True(t, matchSubject("dest.>", "dest.chats.1"))
	assert.False(t, matchSubject("dest.>", "dest."))
	assert.False(t, matchSubject("dest.>", "other.chats.1"))
	assert.True(t, matchSubject("dest.users.onlineStatus", "dest.users.onlineStatus"))
}

func TestSendDoesNotWaitForDelivery(t *testing.T) {
	r := NewRegistry()
	bus := NewLocalBus()
	b := NewBroadcaster(bus, r)
	require.NoError(t, b.Start())

	stalled := newStalledSub("stalled")
	r.Subscribe(stalled, Presence())

	returned := make(chan struct{})
	go func() {
		b.Send(Presence(), "online_status", map[string]interface{}{"userId": 1, "isOnline": true})
		b.Send(Presence(), "online_status", map[string]interface{}{"userId": 2, "isOnline": true})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Send blocked on subscriber delivery")
	}

	select {
	case <-stalled.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the subscriber")
	}
	close(stalled.release)
	require.Eventually(t, func() bool { return len(stalled.frames()) == 2 }, 2*time.Second, 5*time.Millisecond)
	bus.Close()
}

func TestLocalBusPreservesPublishOrder(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	require.NoError(t, bus.Subscribe("dest.>", func(_ string, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}))

	var want []string
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		require.NoError(t, bus.Publish("dest.chats.1", []byte(msg)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestLocalBusDropsWhenQueueFull(t *testing.T) {
	bus := newLocalBus(4)
	release := make(chan struct{})
	var (
		mu        sync.Mutex
		delivered int
	)
	require.NoError(t, bus.Subscribe("dest.>", func(string, []byte) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish("dest.users.onlineStatus", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Publish blocked on a full queue")
	}

	close(release)
	// One frame may already be in the handler when the queue fills.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered >= 4
	}, 2*time.Second, 5*time.Millisecond)
	bus.Close()
	mu.Lock()
	assert.LessOrEqual(t, delivered, 5)
	mu.Unlock()
}

func TestLocalBusClose(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Subscribe("dest.>", func(string, []byte) {}))
	require.NoError(t, bus.Subscribe("dest.>", func(string, []byte) {}), "replacing a subscription")

	bus.Close()
	bus.Close()
	assert.ErrorIs(t, bus.Publish("dest.chats.1", nil), ErrBusClosed)
	assert.ErrorIs(t, bus.Subscribe("dest.>", func(string, []byte) {}), ErrBusClosed)
}
