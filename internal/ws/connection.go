package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/livechat/internal/gate"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/ratelimit"
)

var (
	// ErrSendQueueFull is returned by Send when the client does not drain
	// its frames fast enough. The connection is dropped.
	ErrSendQueueFull = errors.New("ws: send queue full")

	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// Connection represents a single authenticated WebSocket client connection.
// Outbound frames go through a bounded queue drained by a writer goroutine,
// so producers never wait on the socket.
type Connection struct {
	ID           string        // connection ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	Session      *gate.Session // set by the gate before the upgrade
	CreatedAt    time.Time
	writeTimeout time.Duration
	limiter      *ratelimit.FrameLimiter
	lastActivity atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	outbox    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	onFailure func(*Connection) // drops the connection from the server
}

// UserID returns the authenticated user of the connection.
func (c *Connection) UserID() int64 {
	return c.Session.Principal.UserID
}

// Principal returns the authenticated identity of the connection.
func (c *Connection) Principal() gate.Principal {
	return c.Session.Principal
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the last frame was read.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// AllowFrame reports whether the connection may send another frame now.
func (c *Connection) AllowFrame() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// SubscriberID identifies the connection in the broadcast registry.
func (c *Connection) SubscriberID() string { return c.ID }

// startWriter begins draining queued frames to the socket. onFailure runs
// once when a write fails or the queue overflows. A connection without a
// writer writes synchronously in Send.
func (c *Connection) startWriter(queueSize int, onFailure func(*Connection)) {
	c.outbox = make(chan []byte, queueSize)
	c.closed = make(chan struct{})
	c.onFailure = onFailure
	go c.writeLoop()
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.outbox:
			if err := c.WriteMessage(data); err != nil {
				log.Printf("ws: write failed session=%s: %v", c.ID, err)
				c.fail()
				return
			}
		}
	}
}

// Send queues a frame for the connection without blocking. Frames are
// written in the order they were queued.
func (c *Connection) Send(data []byte) error {
	if c.outbox == nil {
		return c.WriteMessage(data)
	}
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		log.Printf("ws: send queue full session=%s user=%d, dropping slow client", c.ID, c.UserID())
		// Removal runs the disconnect hooks; keep them off the caller.
		go c.fail()
		return ErrSendQueueFull
	}
}

func (c *Connection) fail() {
	if c.onFailure != nil {
		c.onFailure(c)
		return
	}
	_ = c.Close()
}

// Close stops the writer and closes the underlying network connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if c.closed != nil {
			close(c.closed)
		}
	})
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections indexed
// by connection ID and by net.Conn for the event loop.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in every index.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
}

// Remove removes a connection by ID and closes it. It returns true if the
// connection was found, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
		metrics.ConnectionsTotal.Dec()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
