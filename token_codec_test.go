package idman_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmanhq/idman"
)

func TestTokenCodecRoundTrip(t *testing.T) {
	cfg := newTestConfig()
	codec := idman.NewTokenCodec([]byte(cfg.GetSigningKey()), cfg.GetIssuer(), testLogger{t})

	sessionID := uuid.New()
	userID := uuid.New()
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("expiring token", func(t *testing.T) {
		token, err := codec.Sign(sessionID, userID, "svc-web", time.Now(), &expiresAt)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		info, err := codec.Verify("svc-web", token)
		require.NoError(t, err)

		assert.Equal(t, userID, info.UserID)
		assert.Equal(t, sessionID, info.SessionID)
		assert.Equal(t, "svc-web", info.ServiceID)
		require.NotNil(t, info.ExpiresAt)
		assert.WithinDuration(t, expiresAt, *info.ExpiresAt, time.Second)
	})

	t.Run("non-expiring token", func(t *testing.T) {
		token, err := codec.Sign(sessionID, userID, "svc-web", time.Now(), nil)
		require.NoError(t, err)

		info, err := codec.Verify("svc-web", token)
		require.NoError(t, err)
		assert.Nil(t, info.ExpiresAt)
	})

	t.Run("empty audience rejected at signing", func(t *testing.T) {
		_, err := codec.Sign(sessionID, userID, "", time.Now(), nil)
		assert.Error(t, err)
	})
}

func TestTokenCodecVerifyRejections(t *testing.T) {
	cfg := newTestConfig()
	codec := idman.NewTokenCodec([]byte(cfg.GetSigningKey()), cfg.GetIssuer(), testLogger{t})

	sessionID := uuid.New()
	userID := uuid.New()

	t.Run("audience mismatch", func(t *testing.T) {
		token, err := codec.Sign(sessionID, userID, "svc-web", time.Now(), nil)
		require.NoError(t, err)

		_, err = codec.Verify("svc-other", token)
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})

	t.Run("expired token", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		token, err := codec.Sign(sessionID, userID, "svc-web", time.Now().Add(-2*time.Hour), &past)
		require.NoError(t, err)

		_, err = codec.Verify("svc-web", token)
		assert.ErrorIs(t, err, idman.ErrTokenExpired)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := idman.NewTokenCodec([]byte("another-key"), cfg.GetIssuer(), testLogger{t})
		token, err := other.Sign(sessionID, userID, "svc-web", time.Now(), nil)
		require.NoError(t, err)

		_, err = codec.Verify("svc-web", token)
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := idman.NewTokenCodec([]byte(cfg.GetSigningKey()), "someone-else", testLogger{t})
		token, err := other.Sign(sessionID, userID, "svc-web", time.Now(), nil)
		require.NoError(t, err)

		_, err = codec.Verify("svc-web", token)
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})

	t.Run("disallowed algorithm", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:   cfg.GetIssuer(),
			Subject:  userID.String(),
			Audience: jwt.ClaimStrings{"svc-web"},
			ID:       sessionID.String(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).
			SignedString([]byte(cfg.GetSigningKey()))
		require.NoError(t, err)

		_, err = codec.Verify("svc-web", token)
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})

	t.Run("missing issued-at", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:   cfg.GetIssuer(),
			Subject:  userID.String(),
			Audience: jwt.ClaimStrings{"svc-web"},
			ID:       sessionID.String(),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte(cfg.GetSigningKey()))
		require.NoError(t, err)

		_, err = codec.Verify("svc-web", token)
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})

	t.Run("non-uuid subject", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:   cfg.GetIssuer(),
			Subject:  "not-a-uuid",
			Audience: jwt.ClaimStrings{"svc-web"},
			ID:       sessionID.String(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte(cfg.GetSigningKey()))
		require.NoError(t, err)

		_, err = codec.Verify("svc-web", token)
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})

	t.Run("garbage input", func(t *testing.T) {
		_, err := codec.Verify("svc-web", "not.a.token")
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})
}
