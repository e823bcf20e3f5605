// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining active client connections, and
// routing incoming frames to the application handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/gate"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	ClientHeartbeat   time.Duration // heartbeat interval advertised to clients
	SendQueueSize     int           // outbound frames buffered per connection
	FrameRate         float64       // inbound frames per second per connection (<=0 disables)
	FrameBurst        int           // inbound frame burst per connection
	Heartbeat         HeartbeatConfig
	ShutdownTimeout   time.Duration
	MaxFrameSizeBytes int64
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ClientHeartbeat:   30 * time.Second,
		SendQueueSize:     256,
		FrameRate:         20,
		FrameBurst:        40,
		Heartbeat:         DefaultHeartbeatConfig(),
		ShutdownTimeout:   5 * time.Second,
		MaxFrameSizeBytes: 64 << 10,
	}
}

// Admitter authenticates a handshake before the upgrade.
type Admitter interface {
	Admit(connID, rawHeader string) (*gate.Session, error)
}

// Hooks are the application callbacks of the server. All are optional.
type Hooks struct {
	// AllowConnect runs after authentication and before the upgrade. A
	// KindRateLimited error refuses the handshake with 429.
	AllowConnect func(ctx context.Context, s *gate.Session) error
	// OnConnect runs once the connection is registered and greeted.
	OnConnect func(c *Connection)
	// OnMessage is called from a worker goroutine for every data frame.
	OnMessage func(c *Connection, data []byte)
	// OnDisconnect runs after a connection was removed, not on shutdown.
	OnDisconnect func(c *Connection)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates and upgrades HTTP connections, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	admitter   Admitter
	hooks      Hooks
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	mux        *http.ServeMux
	done       chan struct{}
	closing    atomic.Bool
	startedAt  time.Time
}

// NewServer creates a Server. Every handshake must pass admitter before
// the connection is upgraded.
func NewServer(config ServerConfig, admitter Admitter, hooks Hooks) *Server {
	s := &Server{
		config:     config,
		admitter:   admitter,
		hooks:      hooks,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start initializes the epoll instance, starts the event loop and the
// heartbeat monitor, and blocks serving HTTP on the configured address.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// init creates the epoll instance and starts background loops. It is split
// from Start so tests can serve the handler on their own listener.
func (s *Server) init() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection. A rejected handshake never reaches the upgrade, so no
// connection state exists for it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.HandshakesTotal.WithLabelValues("overloaded").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	connID := uuid.New().String()
	session, err := s.admitter.Admit(connID, r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="livechat"`)
		http.Error(w, apperr.ClientMessage(err), http.StatusUnauthorized)
		return
	}

	if s.hooks.AllowConnect != nil {
		if err := s.hooks.AllowConnect(r.Context(), session); err != nil {
			if apperr.Is(err, apperr.KindRateLimited) {
				secs := int(math.Ceil(apperr.RetryAfter(err).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				http.Error(w, apperr.ClientMessage(err), http.StatusTooManyRequests)
				return
			}
			log.Printf("ws: connect check failed user=%d: %v", session.Principal.UserID, err)
			http.Error(w, apperr.ClientMessage(err), http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:           connID,
		Conn:         conn,
		Session:      session,
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
		limiter:      ratelimit.NewFrameLimiter(s.config.FrameRate, s.config.FrameBurst),
	}
	c.Touch()
	c.startWriter(max(s.config.SendQueueSize, 1), s.RemoveConnection)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	greeting, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID:      connID,
		UserID:            c.UserID(),
		HeartbeatInterval: int(s.config.ClientHeartbeat / time.Second),
	})
	if err != nil {
		log.Printf("ws: failed to build connected for session %s: %v", connID, err)
	} else if err := c.Send(greeting); err != nil {
		log.Printf("ws: failed to send connected for session %s: %v", connID, err)
	}

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}

	log.Printf("ws: new connection session=%s user=%d (total=%d)", connID, c.UserID(), s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	state := "ok"
	if s.closing.Load() {
		status = http.StatusServiceUnavailable
		state = "shutting_down"
	}
	w.WriteHeader(status)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      state,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed
// to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled inline; a read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.writeControl(ws.OpPong, nil); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if s.config.MaxFrameSizeBytes > 0 && header.Length > s.config.MaxFrameSizeBytes {
		log.Printf("ws: frame too large session=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Only the first caller runs the OnDisconnect hook,
// so a read error racing a heartbeat timeout cleans up once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.hooks.OnDisconnect != nil && !s.closing.Load() {
		s.hooks.OnDisconnect(c)
	}

	log.Printf("ws: connection closed session=%s user=%d (total=%d)", c.ID, c.UserID(), s.conns.Count())
}

// SendMessage queues a WebSocket text frame for the connection identified
// by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.Send(data)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, and
// closes all active connections. Presence of the dropped users is left to
// expire through its TTL so another node can pick the users up on reconnect.
func (s *Server) Shutdown() error {
	if s.closing.Swap(true) {
		return nil
	}
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = c.writeControl(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown"))
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		s.conns.Remove(c.ID)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
