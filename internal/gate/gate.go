// Package gate authenticates inbound WebSocket handshakes. A connection is
// admitted only after its Authorization header has been validated; no
// broker, registry or presence state exists for a connection before that.
package gate

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/whisper/livechat/internal/apperr"
	"github.com/whisper/livechat/internal/auth"
	"github.com/whisper/livechat/internal/metrics"
)

// ErrInvalidHeader is returned when the Authorization header is missing or
// not of the form "Bearer <token>".
var ErrInvalidHeader = errors.New("gate: invalid authorization header")

// clientMessage is the only detail a refused client receives.
const clientMessage = "not authenticated"

// TokenValidator decodes a bearer token into a user id. It fails with
// auth.ErrInvalidToken or auth.ErrExpiredToken.
type TokenValidator interface {
	Validate(token string) (int64, error)
}

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	UserID int64
}

// Session is created on a successful handshake and lives as long as the
// connection.
type Session struct {
	ConnectionID string
	Principal    Principal
	IssuedAt     time.Time
}

// Gate performs the handshake check.
type Gate struct {
	validator TokenValidator
	now       func() time.Time
}

// New creates a gate backed by the given token validator.
func New(validator TokenValidator) *Gate {
	return &Gate{validator: validator, now: time.Now}
}

// Authenticate validates a raw Authorization header value and returns the
// principal. All failures are apperr.KindAuthentication with a generic
// client message; the cause is kept for logs.
func (g *Gate) Authenticate(rawHeader string) (Principal, error) {
	token, err := bearerToken(rawHeader)
	if err != nil {
		return Principal{}, apperr.Wrap(apperr.KindAuthentication, err, clientMessage)
	}

	userID, err := g.validator.Validate(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidToken):
		default:
			err = fmt.Errorf("gate: token validation: %w", err)
		}
		return Principal{}, apperr.Wrap(apperr.KindAuthentication, err, clientMessage)
	}
	return Principal{UserID: userID}, nil
}

// Admit authenticates the handshake for connID and creates its session.
// It runs synchronously before the upgrade completes.
func (g *Gate) Admit(connID, rawHeader string) (*Session, error) {
	p, err := g.Authenticate(rawHeader)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
		log.Printf("[gate] refused conn=%s: %v", connID, err)
		return nil, err
	}
	metrics.HandshakesTotal.WithLabelValues("admitted").Inc()
	return &Session{ConnectionID: connID, Principal: p, IssuedAt: g.now()}, nil
}

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidHeader
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrInvalidHeader
	}
	return token, nil
}
