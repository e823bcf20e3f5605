// Package apperr defines the error kinds shared by the presence and chat
// event services. Callers match on Kind instead of on concrete error types;
// Message is the only part of an error that may be shown to a client.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure by how the caller should react to it.
type Kind int

const (
	KindUnknown        Kind = iota
	KindAuthentication      // bad or missing credentials; refuse the connection
	KindNotFound            // chat/user absent or caller is not a member
	KindTransient           // store or broker unavailable; caller may retry
	KindMalformed           // unparseable data; drop, never retry
	KindInvalid             // request failed validation
	KindRateLimited         // caller exceeded a rate limit
)

// String returns the machine-readable code sent to clients in error frames.
func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "not_authenticated"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	case KindInvalid:
		return "invalid_request"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// Error carries a Kind, an optional client-safe message and the wrapped
// internal cause.
type Error struct {
	Kind       Kind
	Message    string
	Err        error
	RetryAfter time.Duration // set for KindRateLimited
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and client-safe message to err. A nil err yields nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound is shorthand for New(KindNotFound, message).
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Transient wraps an infrastructure failure.
func Transient(err error, message string) error { return Wrap(KindTransient, err, message) }

// RateLimited reports an exceeded limit that resets after retryAfter.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limited", RetryAfter: retryAfter}
}

// RetryAfter returns the wait hint carried by a rate-limit error, or 0.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ClientMessage returns the message that may be sent to a client for err.
// Internal detail from wrapped causes is never included.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
