// Package protocol defines the WebSocket frames exchanged between clients and
// the chat server. Every frame is a JSON object with a "type" discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypeHeartbeat   = "heartbeat"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeChatEvent    = "chat_event"
	TypeChatMessage  = "chat_message"
	TypeOnlineStatus = "online_status"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is decoded first to read the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded into the matching struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg subscribes the connection to a destination such as
// /users/onlineStatus or /chats/12.
type SubscribeMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// UnsubscribeMsg removes a subscription.
type UnsubscribeMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// SendMsg addresses an application destination, e.g. /app/chats/12/join.
// Body is decoded by the route handler.
type SendMsg struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// HeartbeatMsg keeps the sender's presence alive.
type HeartbeatMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// MessageBody is the body of a send to /app/chats/{chatId}/messages.
type MessageBody struct {
	Text string `json:"text"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the handshake has been accepted.
type ConnectedMsg struct {
	Type              string `json:"type"`
	ConnectionID      string `json:"connection_id"`
	UserID            int64  `json:"user_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"` // seconds
}

// SubscribedMsg confirms a subscription.
type SubscribedMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// UnsubscribedMsg confirms an unsubscription.
type UnsubscribedMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// EventMsg carries a broadcast body to subscribers of Destination. It is
// used for chat_event, chat_message and online_status frames.
type EventMsg struct {
	Type        string      `json:"type"`
	Destination string      `json:"destination"`
	Body        interface{} `json:"body"`
}

// HeartbeatAckMsg answers a heartbeat. Restored is true when presence had
// already expired and was re-established by this heartbeat.
type HeartbeatAckMsg struct {
	Type     string `json:"type"`
	Restored bool   `json:"restored,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Destination string `json:"destination,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server frame. The msgType is
// injected into the payload under the "type" key. Numbers are carried as
// json.Number so int64 ids survive the round trip through the map.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewEventMessage builds a broadcast frame for destination.
func NewEventMessage(msgType, destination string, body interface{}) ([]byte, error) {
	return NewServerMessage(msgType, EventMsg{Destination: destination, Body: body})
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(code, message string) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
}
