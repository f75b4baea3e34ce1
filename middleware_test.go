package idman_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmanhq/idman"
)

func TestRequireIdentity(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig()
	repo := setupTestRepo(t)
	codec := idman.NewTokenCodec([]byte(cfg.GetSigningKey()), cfg.GetIssuer(), testLogger{t})
	tokens := idman.NewTokenManager(repo, codec, cfg, testLogger{t})

	user := createTestUser(t, repo, "ada@example.com", "correct horse battery", idman.UserTypeHuman)
	createTestService(t, repo, "svc-web", "svc-secret")
	session := createTestSession(t, repo, idman.SessionKindDynamic, user.ID, "svc-web",
		timePtr(time.Now().Add(time.Hour)))

	info, err := tokens.GenerateTokenForSession(ctx, "svc-web", session.ID, idman.SessionKindDynamic)
	require.NoError(t, err)

	app := fiber.New()
	app.Use("/me", idman.RequireIdentity(idman.MiddlewareConfig{
		Verifier:  idman.NewLocalVerifier(tokens),
		ServiceID: "svc-web",
	}))
	app.Get("/me", func(c *fiber.Ctx) error {
		identity, ok := idman.IdentityFromLocals(c)
		if !ok {
			return fiber.ErrInternalServerError
		}
		// The identity rides on the user context too.
		if _, ok := idman.IdentityFromContext(c.UserContext()); !ok {
			return fiber.ErrInternalServerError
		}
		return c.JSON(identity)
	})
	app.Get("/health", idman.RequireIdentity(idman.MiddlewareConfig{
		Verifier:  idman.NewLocalVerifier(tokens),
		ServiceID: "svc-web",
		Filter:    func(c *fiber.Ctx) bool { return c.Path() == "/health" },
	}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	t.Run("valid token passes and exposes the identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+info.Token)

		resp, err := app.Test(req, 30_000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		identity := decodeJSON[idman.Identity](t, resp)
		assert.Equal(t, user.ID.String(), identity.UserID)
		assert.Equal(t, "svc-web", identity.ServiceID)
	})

	t.Run("missing header is a 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)

		resp, err := app.Test(req, 30_000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token is a 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer garbage")

		resp, err := app.Test(req, 30_000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("filtered routes skip verification", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		resp, err := app.Test(req, 30_000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
