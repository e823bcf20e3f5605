package ws

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// stuckConn is a bufConn whose writes block until release is closed, like a
// client that stopped reading.
type stuckConn struct {
	bufConn
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStuckConn() *stuckConn {
	return &stuckConn{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *stuckConn) Write(p []byte) (int, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.bufConn.Write(p)
}

func (s *stuckConn) unblock() { s.once.Do(func() { close(s.release) }) }

func (s *stuckConn) texts(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	raw := bytes.NewBuffer(append([]byte(nil), s.out.Bytes()...))
	s.mu.Unlock()

	var out []string
	for raw.Len() > 0 {
		data, err := wsutil.ReadServerText(raw)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, string(data))
	}
	return out
}

func newQueuedConn(t *testing.T, queueSize int, onFailure func(*Connection)) (*Connection, *stuckConn) {
	t.Helper()
	c, _ := newTestConn(3)
	sc := newStuckConn()
	c.Conn = sc
	c.startWriter(queueSize, onFailure)
	t.Cleanup(func() {
		sc.unblock()
		_ = c.Close()
	})
	return c, sc
}

func TestSendDoesNotWaitForSocket(t *testing.T) {
	c, sc := newQueuedConn(t, 8, nil)

	done := make(chan error, 1)
	go func() {
		for _, msg := range []string{"a", "b", "c"} {
			if err := c.Send([]byte(msg)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Send blocked on a stalled socket")
	}

	sc.unblock()
	waitFor(t, func() bool { return len(sc.texts(t)) == 3 })
	got := sc.texts(t)
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("frames = %v, want [a b c]", got)
	}
}

func TestSendQueueOverflowDropsConnection(t *testing.T) {
	failed := make(chan *Connection, 1)
	c, sc := newQueuedConn(t, 2, func(c *Connection) {
		_ = c.Close()
		failed <- c
	})

	if err := c.Send([]byte("in-flight")); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	select {
	case <-sc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never picked up the first frame")
	}

	for i := 0; i < 2; i++ {
		if err := c.Send([]byte("queued")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := c.Send([]byte("overflow")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("Send on full queue = %v, want ErrSendQueueFull", err)
	}

	select {
	case got := <-failed:
		if got != c {
			t.Error("failure callback got another connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow connection was not dropped")
	}
	if err := c.Send([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after drop = %v, want ErrConnectionClosed", err)
	}
}

func TestSlowClientIsRemovedFromServer(t *testing.T) {
	rec := &hookRecorder{}
	s, _ := startTestServer(t, rec.hooks())

	c, _ := newTestConn(4)
	stuck := newStuckConn()
	c.Conn = stuck
	c.startWriter(1, s.RemoveConnection)
	t.Cleanup(stuck.unblock)
	s.conns.Add(c)

	_ = c.Send([]byte("in-flight"))
	select {
	case <-stuck.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never picked up the first frame")
	}
	_ = c.Send([]byte("queued"))
	if err := c.Send([]byte("overflow")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("Send = %v, want ErrSendQueueFull", err)
	}

	waitFor(t, func() bool { return s.conns.Get(c.ID) == nil })
	waitFor(t, func() bool { return rec.count(&rec.disconnected) == 1 })
}
