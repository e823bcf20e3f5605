package chat

import "time"

// EventType enumerates chat lifecycle events.
type EventType string

const (
	EventJoin        EventType = "JOIN"
	EventLeave       EventType = "LEAVE"
	EventStartTyping EventType = "START_TYPING"
	EventStopTyping  EventType = "STOP_TYPING"
)

// ChatEvent is broadcast to /chats/<chatId> and then discarded.
type ChatEvent struct {
	ChatID     int64     `json:"chatId"`
	AuthorID   int64     `json:"authorId"`
	EventType  EventType `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ChatMessage is a persisted text message delivered to a chat.
type ChatMessage struct {
	ID       int64     `json:"id"`
	ChatID   int64     `json:"chatId"`
	AuthorID int64     `json:"authorId"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}
