package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
)

// Request is a parsed client frame matched to a route.
type Request struct {
	Conn        *Connection
	Type        string
	Destination string
	Params      Params
	Body        json.RawMessage
}

// Reply writes a server frame back to the requesting connection.
func (r *Request) Reply(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return r.Conn.Send(data)
}

// Params holds the values captured by {name} segments of a route pattern.
type Params map[string]string

// Int64 returns the named parameter as an int64. A missing or non-numeric
// value is reported as a not-found destination.
func (p Params) Int64(name string) (int64, error) {
	v, ok := p[name]
	if !ok {
		return 0, apperr.NotFound("unknown destination")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindNotFound, err, "unknown destination")
	}
	return n, nil
}

// HandlerFunc handles one routed client frame. A returned error is turned
// into an error or rate_limited frame for the client.
type HandlerFunc func(ctx context.Context, req *Request) error

type route struct {
	msgType  string
	pattern  string
	segments []string
	handler  HandlerFunc
}

// Router maps (message type, destination pattern) pairs to handlers. Routes
// are registered once at startup; Dispatch is safe for concurrent use after
// that.
type Router struct {
	routes  []route
	timeout time.Duration
}

// NewRouter creates a router. Every handler runs with a context bounded by
// timeout (no bound when zero).
func NewRouter(timeout time.Duration) *Router {
	return &Router{timeout: timeout}
}

// Handle registers h for frames of msgType whose destination matches
// pattern. Patterns are slash separated; a segment written as {name}
// captures that path segment. An empty pattern matches frames without a
// destination. Handle panics on a malformed pattern.
func (r *Router) Handle(msgType, pattern string, h HandlerFunc) {
	segments, err := splitPattern(pattern)
	if err != nil {
		panic(fmt.Sprintf("ws: route %s %q: %v", msgType, pattern, err))
	}
	r.routes = append(r.routes, route{msgType: msgType, pattern: pattern, segments: segments, handler: h})
}

func splitPattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern must start with /")
	}
	segments := strings.Split(pattern[1:], "/")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("empty segment")
		}
		if strings.HasPrefix(s, "{") != strings.HasSuffix(s, "}") || s == "{}" {
			return nil, fmt.Errorf("bad parameter segment %q", s)
		}
	}
	return segments, nil
}

func (rt route) match(msgType, destination string) (Params, bool) {
	if rt.msgType != msgType {
		return nil, false
	}
	if rt.segments == nil {
		return nil, destination == ""
	}
	if !strings.HasPrefix(destination, "/") {
		return nil, false
	}
	parts := strings.Split(destination[1:], "/")
	if len(parts) != len(rt.segments) {
		return nil, false
	}
	var params Params
	for i, seg := range rt.segments {
		if strings.HasPrefix(seg, "{") {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(Params)
			}
			params[seg[1:len(seg)-1]] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// Dispatch is the onMessage callback. It enforces the connection's frame
// limit, parses the frame, answers ping itself and routes everything else.
func (r *Router) Dispatch(conn *Connection, data []byte) {
	start := time.Now()

	if !conn.AllowFrame() {
		r.sendRateLimited(conn, time.Second)
		return
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		r.sendError(conn, "", apperr.Wrap(apperr.KindMalformed, err, "invalid message format"))
		return
	}

	if msgType == protocol.TypePing {
		r.sendPong(conn)
		return
	}

	req := &Request{Conn: conn, Type: msgType}
	switch m := msg.(type) {
	case protocol.SubscribeMsg:
		req.Destination = m.Destination
	case protocol.UnsubscribeMsg:
		req.Destination = m.Destination
	case protocol.SendMsg:
		req.Destination = m.Destination
		req.Body = m.Body
	}

	h := r.lookup(req)
	if h == nil {
		log.Printf("ws: no route type=%q destination=%q session=%s", msgType, req.Destination, conn.ID)
		r.sendError(conn, req.Destination, apperr.NotFound("unknown destination"))
		return
	}

	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := h(ctx, req); err != nil {
		r.handleError(conn, req, err)
	}
	metrics.FrameLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

func (r *Router) lookup(req *Request) HandlerFunc {
	for _, rt := range r.routes {
		if params, ok := rt.match(req.Type, req.Destination); ok {
			req.Params = params
			return rt.handler
		}
	}
	return nil
}

func (r *Router) handleError(conn *Connection, req *Request, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindRateLimited:
		r.sendRateLimited(conn, apperr.RetryAfter(err))
		return
	case apperr.KindTransient, apperr.KindUnknown:
		log.Printf("ws: handler error type=%s destination=%q user=%d: %v",
			req.Type, req.Destination, conn.UserID(), err)
	}
	r.sendError(conn, req.Destination, err)
}

// sendError sends a structured error frame. Only the client-safe message of
// err leaves the server.
func (r *Router) sendError(conn *Connection, destination string, err error) {
	data, mErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:        apperr.KindOf(err).String(),
		Message:     apperr.ClientMessage(err),
		Destination: destination,
	})
	if mErr != nil {
		log.Printf("ws: failed to build error message: %v", mErr)
		return
	}
	if wErr := conn.Send(data); wErr != nil {
		log.Printf("ws: failed to send error to session=%s: %v", conn.ID, wErr)
	}
}

func (r *Router) sendRateLimited(conn *Connection, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: secs})
	if err != nil {
		log.Printf("ws: failed to build rate_limited message: %v", err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send rate_limited to session=%s: %v", conn.ID, err)
	}
}

func (r *Router) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message: %v", err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send pong to session=%s: %v", conn.ID, err)
	}
}
