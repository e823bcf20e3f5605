// Package auth validates the bearer tokens presented on the WebSocket
// handshake. Tokens are issued by the account service; Generate exists for
// tooling and tests.
package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, unsigned or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret   string
	Issuer   string        // required iss claim; empty disables the check
	TokenTTL time.Duration // lifetime of tokens minted by Generate
	Leeway   time.Duration // clock skew tolerance
}

// DefaultJWTConfig returns defaults without a secret; the secret must come
// from configuration.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer:   "livechat",
		TokenTTL: time.Hour,
		Leeway:   5 * time.Second,
	}
}

// Claims are the token claims understood by the chat server.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 tokens.
type JWTValidator struct {
	config JWTConfig
	parser *jwt.Parser
}

// NewJWTValidator creates a validator for the given configuration.
func NewJWTValidator(config JWTConfig) *JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &JWTValidator{config: config, parser: jwt.NewParser(opts...)}
}

// Validate checks the token and returns the user id it was issued to.
func (v *JWTValidator) Validate(tokenString string) (int64, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(v.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}
	if !token.Valid {
		return 0, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		// Tokens minted by other services carry the id only in sub.
		userID, err = strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return 0, ErrInvalidToken
		}
	}
	if userID <= 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// Generate mints a token for userID valid for the configured TokenTTL.
func (v *JWTValidator) Generate(userID int64) (string, error) {
	return v.GenerateAt(userID, time.Now())
}

// GenerateAt mints a token as if issued at now.
func (v *JWTValidator) GenerateAt(userID int64, now time.Time) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.config.Issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.config.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.config.Secret))
}
