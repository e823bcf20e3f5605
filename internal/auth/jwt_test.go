package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator(t *testing.T) *JWTValidator {
	t.Helper()
	cfg := DefaultJWTConfig()
	cfg.Secret = "test-secret"
	cfg.Leeway = 0
	return NewJWTValidator(cfg)
}

func TestValidateRoundTrip(t *testing.T) {
	v := testValidator(t)
	token, err := v.Generate(42)
	require.NoError(t, err)

	userID, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestValidateExpired(t *testing.T) {
	v := testValidator(t)
	token, err := v.GenerateAt(42, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateWrongSecret(t *testing.T) {
	other := NewJWTValidator(JWTConfig{Secret: "other", Issuer: "livechat", TokenTTL: time.Hour})
	token, err := other.Generate(42)
	require.NoError(t, err)

	_, err = testValidator(t).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateWrongIssuer(t *testing.T) {
	other := NewJWTValidator(JWTConfig{Secret: "test-secret", Issuer: "someone-else", TokenTTL: time.Hour})
	token, err := other.Generate(42)
	require.NoError(t, err)

	_, err = testValidator(t).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateGarbage(t *testing.T) {
	_, err := testValidator(t).Validate("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "livechat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = testValidator(t).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRequiresExpiration(t *testing.T) {
	claims := Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{Issuer: "livechat"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = testValidator(t).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateSubjectFallback(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Issuer:    "livechat",
		Subject:   "77",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	userID, err := testValidator(t).Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(77), userID)
}
