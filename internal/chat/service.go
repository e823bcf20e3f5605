// Package chat implements chat membership and the events broadcast to a
// chat's destination: join, leave, typing and message delivery. The service
// decides what is broadcast and where; it never tracks who is subscribed.
package chat

import (
	"context"
	"log"
	"slices"
	"time"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/broadcast"
	"github.com/whisper/livechat/internal/gate"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/moderation"
	"github.com/whisper/livechat/internal/protocol"
)

// Broadcaster is the fire-and-forget fan-out used by the service.
type Broadcaster interface {
	Send(dest broadcast.Destination, msgType string, body interface{})
}

// Screener decides whether message text may be delivered.
type Screener interface {
	Check(text string) moderation.Verdict
}

// Service orchestrates chat events.
type Service struct {
	repo        Repository
	broadcaster Broadcaster
	screener    Screener
	now         func() time.Time
}

// NewService creates a chat event service.
func NewService(repo Repository, broadcaster Broadcaster) *Service {
	return &Service{repo: repo, broadcaster: broadcaster, now: time.Now}
}

// WithScreener makes SendMessage reject text the screener blocks.
func (s *Service) WithScreener(sc Screener) *Service {
	s.screener = sc
	return s
}

// errChatNotFound is returned for unknown chats and non-members alike.
func errChatNotFound() error { return apperr.NotFound("chat not found") }

// JoinChat adds the principal to the chat, a no-op for existing members,
// and broadcasts JOIN on every call.
func (s *Service) JoinChat(ctx context.Context, chatID int64, p gate.Principal) (ChatEvent, error) {
	added, err := s.repo.AddMember(ctx, chatID, p.UserID)
	if err != nil {
		return ChatEvent{}, repoError(err)
	}
	if added {
		log.Printf("[chat] user=%d joined chat=%d", p.UserID, chatID)
	}
	return s.emit(chatID, p.UserID, EventJoin), nil
}

// LeaveChat removes the principal from the chat and broadcasts LEAVE. A chat
// left without members is deleted.
func (s *Service) LeaveChat(ctx context.Context, chatID int64, p gate.Principal) (ChatEvent, error) {
	removed, err := s.repo.RemoveMember(ctx, chatID, p.UserID)
	if err != nil {
		return ChatEvent{}, repoError(err)
	}
	if !removed {
		return ChatEvent{}, errChatNotFound()
	}

	ev := s.emit(chatID, p.UserID, EventLeave)

	deleted, err := s.repo.DeleteChatIfEmpty(ctx, chatID)
	if err != nil {
		// Membership change stands; the empty chat is retried on the next leave.
		log.Printf("[chat] cleanup chat=%d failed: %v", chatID, err)
	} else if deleted {
		log.Printf("[chat] chat=%d deleted after last member left", chatID)
	}
	return ev, nil
}

// StartTyping broadcasts START_TYPING for a member.
func (s *Service) StartTyping(ctx context.Context, chatID int64, p gate.Principal) (ChatEvent, error) {
	if err := s.Authorize(ctx, chatID, p); err != nil {
		return ChatEvent{}, err
	}
	return s.emit(chatID, p.UserID, EventStartTyping), nil
}

// StopTyping broadcasts STOP_TYPING for a member.
func (s *Service) StopTyping(ctx context.Context, chatID int64, p gate.Principal) (ChatEvent, error) {
	if err := s.Authorize(ctx, chatID, p); err != nil {
		return ChatEvent{}, err
	}
	return s.emit(chatID, p.UserID, EventStopTyping), nil
}

// SendMessage validates, screens, persists and broadcasts a message from a member.
func (s *Service) SendMessage(ctx context.Context, chatID int64, p gate.Principal, text string) (ChatMessage, error) {
	if err := ValidateMessage(text); err != nil {
		return ChatMessage{}, err
	}
	if err := s.Authorize(ctx, chatID, p); err != nil {
		return ChatMessage{}, err
	}
	if s.screener != nil {
		if v := s.screener.Check(text); v.Blocked {
			metrics.MessagesBlockedTotal.WithLabelValues(v.Reason).Inc()
			log.Printf("[chat] blocked message user=%d chat=%d reason=%s term=%q", p.UserID, chatID, v.Reason, v.Term)
			return ChatMessage{}, apperr.New(apperr.KindInvalid, "message blocked: "+v.Reason)
		}
	}

	msg, err := s.repo.SaveMessage(ctx, ChatMessage{
		ChatID:   chatID,
		AuthorID: p.UserID,
		Text:     text,
		SentAt:   s.now().UTC(),
	})
	if err != nil {
		return ChatMessage{}, repoError(err)
	}

	s.broadcaster.Send(broadcast.Chat(chatID), protocol.TypeChatMessage, msg)
	return msg, nil
}

// Authorize succeeds only if the principal is a member of the chat. Unknown
// chats and non-members produce the same NotFound error.
func (s *Service) Authorize(ctx context.Context, chatID int64, p gate.Principal) error {
	members, err := s.repo.FindChatMembers(ctx, chatID)
	if err != nil {
		return repoError(err)
	}
	if !slices.Contains(members, p.UserID) {
		return errChatNotFound()
	}
	return nil
}

func (s *Service) emit(chatID, authorID int64, typ EventType) ChatEvent {
	ev := ChatEvent{
		ChatID:     chatID,
		AuthorID:   authorID,
		EventType:  typ,
		OccurredAt: s.now().UTC(),
	}
	s.broadcaster.Send(broadcast.Chat(chatID), protocol.TypeChatEvent, ev)
	metrics.ChatEventsTotal.WithLabelValues(string(typ)).Inc()
	return ev
}

// repoError keeps classified repository errors and marks the rest transient.
func repoError(err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Transient(err, "chat store unavailable")
}
