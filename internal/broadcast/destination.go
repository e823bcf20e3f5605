// Package broadcast fans payloads out to every subscriber of a destination.
// Broadcasts are published on the message bus so that every chatserver node
// receives them; each node then delivers to its own subscribed connections
// through a Registry.
package broadcast

import (
	"fmt"
	"strconv"
	"strings"
)

// Destination paths and their bus subjects.
const (
	PresencePath   = "/users/onlineStatus"
	ChatPathPrefix = "/chats/"

	SubjectPrefix = "dest"
	SubjectAll    = SubjectPrefix + ".>"

	subjectPresence   = SubjectPrefix + ".users.onlineStatus"
	subjectChatPrefix = SubjectPrefix + ".chats."
)

// Kind distinguishes the destination families.
type Kind uint8

const (
	KindPresence Kind = iota + 1
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindPresence:
		return "presence"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Destination is a topic that connections subscribe to. It is comparable and
// usable as a map key.
type Destination struct {
	kind   Kind
	chatID int64
}

// Presence returns the single destination receiving every OnlineStatusEvent.
func Presence() Destination { return Destination{kind: KindPresence} }

// Chat returns the destination for one chat.
func Chat(chatID int64) Destination { return Destination{kind: KindChat, chatID: chatID} }

// Kind returns the destination family.
func (d Destination) Kind() Kind { return d.kind }

// ChatID returns the chat id for chat destinations and 0 otherwise.
func (d Destination) ChatID() int64 { return d.chatID }

// IsZero reports whether d is the zero Destination.
func (d Destination) IsZero() bool { return d.kind == 0 }

// Path returns the client-facing path, e.g. /chats/12.
func (d Destination) Path() string {
	switch d.kind {
	case KindPresence:
		return PresencePath
	case KindChat:
		return ChatPathPrefix + strconv.FormatInt(d.chatID, 10)
	default:
		return ""
	}
}

// Subject returns the bus subject the destination is published on.
func (d Destination) Subject() string {
	switch d.kind {
	case KindPresence:
		return subjectPresence
	case KindChat:
		return subjectChatPrefix + strconv.FormatInt(d.chatID, 10)
	default:
		return ""
	}
}

func (d Destination) String() string { return d.Path() }

// ParseDestination parses a client-facing destination path.
func ParseDestination(path string) (Destination, error) {
	if path == PresencePath {
		return Presence(), nil
	}
	if rest, ok := strings.CutPrefix(path, ChatPathPrefix); ok {
		id, err := parseChatID(rest)
		if err != nil {
			return Destination{}, fmt.Errorf("broadcast: destination %q: %w", path, err)
		}
		return Chat(id), nil
	}
	return Destination{}, fmt.Errorf("broadcast: unknown destination %q", path)
}

// ParseSubject maps a bus subject back to its destination.
func ParseSubject(subject string) (Destination, error) {
	if subject == subjectPresence {
		return Presence(), nil
	}
	if rest, ok := strings.CutPrefix(subject, subjectChatPrefix); ok {
		id, err := parseChatID(rest)
		if err != nil {
			return Destination{}, fmt.Errorf("broadcast: subject %q: %w", subject, err)
		}
		return Chat(id), nil
	}
	return Destination{}, fmt.Errorf("broadcast: unknown subject %q", subject)
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad chat id %q", s)
	}
	return id, nil
}
