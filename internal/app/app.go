// Package app wires the WebSocket transport to the chat and presence
// services: it owns the routing table for client frames and the
// connect/disconnect hooks of the server.
package app

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/broadcast"
	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/gate"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/ws"
)

// ChatService is the chat event API used by the routes.
type ChatService interface {
	JoinChat(ctx context.Context, chatID int64, p gate.Principal) (chat.ChatEvent, error)
	LeaveChat(ctx context.Context, chatID int64, p gate.Principal) (chat.ChatEvent, error)
	StartTyping(ctx context.Context, chatID int64, p gate.Principal) (chat.ChatEvent, error)
	StopTyping(ctx context.Context, chatID int64, p gate.Principal) (chat.ChatEvent, error)
	SendMessage(ctx context.Context, chatID int64, p gate.Principal, text string) (chat.ChatMessage, error)
	Authorize(ctx context.Context, chatID int64, p gate.Principal) error
}

// PresenceFacade is the presence API driven by connection lifecycle.
type PresenceFacade interface {
	Login(ctx context.Context, userID int64) error
	Heartbeat(ctx context.Context, userID int64) (bool, error)
	Logout(ctx context.Context, userID int64) error
	Status(ctx context.Context, userID int64) (presence.OnlineStatusEvent, error)
}

// Limiter is the shared per-user rate limiter.
type Limiter interface {
	AllowUser(ctx context.Context, userID int64, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps are the collaborators of App. Limiter may be nil.
type Deps struct {
	Chat        ChatService
	Presence    PresenceFacade
	Registry    *broadcast.Registry
	Limiter     Limiter
	HookTimeout time.Duration // bound for presence calls from hooks
}

// App holds the handlers for one chatserver node.
type App struct {
	chat     ChatService
	presence PresenceFacade
	registry *broadcast.Registry
	limiter  Limiter
	timeout  time.Duration
}

// New creates an App.
func New(deps Deps) *App {
	timeout := deps.HookTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &App{
		chat:     deps.Chat,
		presence: deps.Presence,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		timeout:  timeout,
	}
}

// Routes registers every client frame handler on r.
func (a *App) Routes(r *ws.Router) {
	r.Handle(protocol.TypeSubscribe, broadcast.PresencePath, a.subscribePresence)
	r.Handle(protocol.TypeSubscribe, "/chats/{chatId}", a.subscribeChat)
	r.Handle(protocol.TypeUnsubscribe, broadcast.PresencePath, a.unsubscribe)
	r.Handle(protocol.TypeUnsubscribe, "/chats/{chatId}", a.unsubscribe)

	r.Handle(protocol.TypeSend, "/app/chats/{chatId}/join", a.join)
	r.Handle(protocol.TypeSend, "/app/chats/{chatId}/leave", a.leave)
	r.Handle(protocol.TypeSend, "/app/chats/{chatId}/typing/start", a.typing(true))
	r.Handle(protocol.TypeSend, "/app/chats/{chatId}/typing/stop", a.typing(false))
	r.Handle(protocol.TypeSend, "/app/chats/{chatId}/messages", a.message)

	r.Handle(protocol.TypeSend, "/app/users/{userId}/status", a.status)

	r.Handle(protocol.TypeHeartbeat, "", a.heartbeat)
}

// Hooks returns the server callbacks. Frames are dispatched through r.
func (a *App) Hooks(r *ws.Router) ws.Hooks {
	return ws.Hooks{
		AllowConnect: a.allowConnect,
		OnConnect:    a.onConnect,
		OnMessage:    r.Dispatch,
		OnDisconnect: a.onDisconnect,
	}
}

func (a *App) subscribePresence(_ context.Context, req *ws.Request) error {
	a.registry.Subscribe(req.Conn, broadcast.Presence())
	return req.Reply(protocol.TypeSubscribed, protocol.SubscribedMsg{Destination: req.Destination})
}

func (a *App) subscribeChat(ctx context.Context, req *ws.Request) error {
	chatID, err := req.Params.Int64("chatId")
	if err != nil {
		return err
	}
	if err := a.chat.Authorize(ctx, chatID, req.Conn.Principal()); err != nil {
		return err
	}
	a.registry.Subscribe(req.Conn, broadcast.Chat(chatID))
	return req.Reply(protocol.TypeSubscribed, protocol.SubscribedMsg{Destination: req.Destination})
}

func (a *App) unsubscribe(_ context.Context, req *ws.Request) error {
	dest, err := broadcast.ParseDestination(req.Destination)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, err, "unknown destination")
	}
	a.registry.Unsubscribe(req.Conn.ID, dest)
	return req.Reply(protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{Destination: req.Destination})
}

func (a *App) join(ctx context.Context, req *ws.Request) error {
	chatID, err := req.Params.Int64("chatId")
	if err != nil {
		return err
	}
	_, err = a.chat.JoinChat(ctx, chatID, req.Conn.Principal())
	return err
}

// leave also drops this connection's subscription to the chat, since a
// non-member may not keep receiving its events.
func (a *App) leave(ctx context.Context, req *ws.Request) error {
	chatID, err := req.Params.Int64("chatId")
	if err != nil {
		return err
	}
	if _, err := a.chat.LeaveChat(ctx, chatID, req.Conn.Principal()); err != nil {
		return err
	}
	a.registry.Unsubscribe(req.Conn.ID, broadcast.Chat(chatID))
	return nil
}

func (a *App) typing(start bool) ws.HandlerFunc {
	return func(ctx context.Context, req *ws.Request) error {
		chatID, err := req.Params.Int64("chatId")
		if err != nil {
			return err
		}
		if err := a.limit(ctx, req.Conn.UserID(), ratelimit.RuleTyping); err != nil {
			return err
		}
		if start {
			_, err = a.chat.StartTyping(ctx, chatID, req.Conn.Principal())
		} else {
			_, err = a.chat.StopTyping(ctx, chatID, req.Conn.Principal())
		}
		return err
	}
}

func (a *App) message(ctx context.Context, req *ws.Request) error {
	chatID, err := req.Params.Int64("chatId")
	if err != nil {
		return err
	}
	var body protocol.MessageBody
	if len(req.Body) == 0 {
		return apperr.New(apperr.KindMalformed, "message body is required")
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return apperr.Wrap(apperr.KindMalformed, err, "invalid message body")
	}
	if err := a.limit(ctx, req.Conn.UserID(), ratelimit.RuleMessage); err != nil {
		return err
	}
	_, err = a.chat.SendMessage(ctx, chatID, req.Conn.Principal(), body.Text)
	return err
}

func (a *App) heartbeat(ctx context.Context, req *ws.Request) error {
	restored, err := a.presence.Heartbeat(ctx, req.Conn.UserID())
	if err != nil {
		return err
	}
	return req.Reply(protocol.TypeHeartbeatAck, protocol.HeartbeatAckMsg{Restored: restored})
}

// status answers a one-off presence query with an online_status frame
// addressed to the requested path.
func (a *App) status(ctx context.Context, req *ws.Request) error {
	userID, err := req.Params.Int64("userId")
	if err != nil {
		return err
	}
	ev, err := a.presence.Status(ctx, userID)
	if err != nil {
		return err
	}
	return req.Reply(protocol.TypeOnlineStatus, protocol.EventMsg{Destination: req.Destination, Body: ev})
}

// limit applies a shared per-user rule. A limiter failure lets the request
// through.
func (a *App) limit(ctx context.Context, userID int64, rule ratelimit.Rule) error {
	if a.limiter == nil {
		return nil
	}
	ok, err := a.limiter.AllowUser(ctx, userID, rule)
	if err != nil || ok {
		return nil
	}
	return apperr.RateLimited(a.limiter.RetryAfter(ctx, strconv.FormatInt(userID, 10), rule))
}

func (a *App) allowConnect(ctx context.Context, s *gate.Session) error {
	return a.limit(ctx, s.Principal.UserID, ratelimit.RuleConnect)
}

// onConnect marks the user online. A failure is not fatal: the next
// heartbeat restores presence.
func (a *App) onConnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.presence.Login(ctx, c.UserID()); err != nil {
		log.Printf("[presence] login user=%d conn=%s failed: %v", c.UserID(), c.ID, err)
	}
}

// onDisconnect drops the connection's subscriptions and releases its share
// of the user's presence. The user goes offline with their last connection
// across all nodes.
func (a *App) onDisconnect(c *ws.Connection) {
	n := a.registry.UnsubscribeAll(c.ID)
	if n > 0 {
		log.Printf("[broadcast] conn=%s dropped %d subscriptions", c.ID, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.presence.Logout(ctx, c.UserID()); err != nil {
		log.Printf("[presence] logout user=%d failed: %v", c.UserID(), err)
	}
}
