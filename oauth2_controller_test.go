package idman_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmanhq/idman"
)

type oauthTestEnv struct {
	app    *fiber.App
	repo   idman.RepositoryManager
	tokens *idman.TokenManager
}

func setupOAuthApp(t *testing.T) *oauthTestEnv {
	t.Helper()

	cfg := newTestConfig()
	repo := setupTestRepo(t)
	codec := idman.NewTokenCodec([]byte(cfg.GetSigningKey()), cfg.GetIssuer(), testLogger{t})
	tokens := idman.NewTokenManager(repo, codec, cfg, testLogger{t})

	registry := idman.NewProviderRegistry(
		idman.NewPasswordProvider(repo, cfg, testLogger{t}),
	)

	app := fiber.New()
	idman.NewOAuth2Controller(repo, tokens, cfg, testLogger{t}).RegisterRoutes(app)
	idman.NewAuthController(repo, tokens, registry, cfg, testLogger{t}).RegisterRoutes(app)

	return &oauthTestEnv{app: app, repo: repo, tokens: tokens}
}

func postForm(t *testing.T, app *fiber.App, path string, form url.Values, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, 30_000)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var out T
	require.NoError(t, json.Unmarshal(body, &out), "body: %s", body)
	return out
}

func locationQuery(t *testing.T, resp *http.Response) (string, url.Values) {
	t.Helper()

	loc := resp.Header.Get("Location")
	require.NotEmpty(t, loc)

	parsed, err := url.Parse(loc)
	require.NoError(t, err)
	return parsed.Scheme + "://" + parsed.Host + parsed.Path, parsed.Query()
}

func TestAuthorizeEndpoint(t *testing.T) {
	env := setupOAuthApp(t)
	createTestService(t, env.repo, "svc-web", "svc-secret")

	get := func(query string) *http.Response {
		req := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+query, nil)
		resp, err := env.app.Test(req, 30_000)
		require.NoError(t, err)
		return resp
	}

	t.Run("missing redirect_uri is a flat 400", func(t *testing.T) {
		resp := get("response_type=code&client_id=svc-web")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		payload := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, idman.OAuthErrInvalidRequest, payload["error"])
	})

	t.Run("unsupported response type redirects with error", func(t *testing.T) {
		resp := get("response_type=token&client_id=svc-web&redirect_uri=" +
			url.QueryEscape("https://app.example.com/callback") + "&state=xyz")
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

		_, q := locationQuery(t, resp)
		assert.Equal(t, idman.OAuthErrUnsupportedResponseType, q.Get("error"))
		assert.Equal(t, "xyz", q.Get("state"))
	})

	t.Run("unknown client redirects with error", func(t *testing.T) {
		resp := get("response_type=code&client_id=svc-nope&redirect_uri=" +
			url.QueryEscape("https://app.example.com/callback"))
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

		_, q := locationQuery(t, resp)
		assert.Equal(t, idman.OAuthErrUnauthorizedClient, q.Get("error"))
	})

	t.Run("redirect_uri mismatch redirects with error", func(t *testing.T) {
		resp := get("response_type=code&client_id=svc-web&redirect_uri=" +
			url.QueryEscape("https://evil.example.com/callback"))
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

		_, q := locationQuery(t, resp)
		assert.Equal(t, idman.OAuthErrInvalidRequest, q.Get("error"))
	})

	t.Run("valid request redirects to the login page", func(t *testing.T) {
		resp := get("response_type=code&client_id=svc-web&state=xyz&redirect_uri=" +
			url.QueryEscape("https://app.example.com/callback"))
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

		base, q := locationQuery(t, resp)
		assert.Equal(t, newTestConfig().GetLoginURL(), base)
		assert.Equal(t, "svc-web", q.Get("client_id"))
		assert.Equal(t, "xyz", q.Get("state"))
		assert.Empty(t, q.Get("error"))
	})
}

func TestTokenEndpoint(t *testing.T) {
	ctx := context.Background()
	env := setupOAuthApp(t)

	user := createTestUser(t, env.repo, "ada@example.com", "pw-ada-12345", idman.UserTypeHuman)
	createTestService(t, env.repo, "svc-web", "svc-secret")

	session := createTestSession(t, env.repo, idman.SessionKindDynamic, user.ID, "svc-web",
		timePtr(time.Now().Add(time.Hour)))

	t.Run("missing grant_type is invalid_request", func(t *testing.T) {
		resp := postForm(t, env.app, "/oauth2/token", url.Values{
			"client_id":     {"svc-web"},
			"client_secret": {"svc-secret"},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		payload := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, idman.OAuthErrInvalidRequest, payload["error"])
	})

	t.Run("bad client secret is a generic 401", func(t *testing.T) {
		resp := postForm(t, env.app, "/oauth2/token", url.Values{
			"grant_type":    {idman.GrantTypeAuthorizationCode},
			"code":          {session.ID.String()},
			"client_id":     {"svc-web"},
			"client_secret": {"wrong"},
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		payload := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, idman.OAuthErrInvalidClient, payload["error"])
		assert.Empty(t, payload["error_description"])
	})

	t.Run("missing code is invalid_request", func(t *testing.T) {
		resp := postForm(t, env.app, "/oauth2/token", url.Values{
			"grant_type":    {idman.GrantTypeAuthorizationCode},
			"client_id":     {"svc-web"},
			"client_secret": {"svc-secret"},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		payload := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, idman.OAuthErrInvalidRequest, payload["error"])
	})

	t.Run("unsupported grant is invalid_grant", func(t *testing.T) {
		resp := postForm(t, env.app, "/oauth2/token", url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"svc-web"},
			"client_secret": {"svc-secret"},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		payload := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, idman.OAuthErrInvalidGrant, payload["error"])
	})

	t.Run("authorization code exchange succeeds", func(t *testing.T) {
		resp := postForm(t, env.app, "/oauth2/token", url.Values{
			"grant_type":    {idman.GrantTypeAuthorizationCode},
			"code":          {session.ID.String()},
			"client_id":     {"svc-web"},
			"client_secret": {"svc-secret"},
		}, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		payload := decodeJSON[idman.TokenResponse](t, resp)
		assert.NotEmpty(t, payload.AccessToken)
		assert.NotEmpty(t, payload.RefreshToken)
		assert.Equal(t, "bearer", payload.TokenType)
		assert.Greater(t, payload.ExpiresIn, int64(0))
		assert.Equal(t, user.ID.String(), payload.User.UserID)

		identity, err := env.tokens.TranslateToken(ctx, "svc-web", payload.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.Email, identity.Email)

		t.Run("refresh grant re-issues tokens", func(t *testing.T) {
			resp := postForm(t, env.app, "/oauth2/token", url.Values{
				"grant_type":    {idman.GrantTypeRefreshToken},
				"refresh_token": {payload.RefreshToken},
				"client_id":     {"svc-web"},
				"client_secret": {"svc-secret"},
			}, nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			refreshed := decodeJSON[idman.TokenResponse](t, resp)
			assert.NotEmpty(t, refreshed.AccessToken)
		})
	})

	t.Run("unknown code is invalid_grant", func(t *testing.T) {
		resp := postForm(t, env.app, "/oauth2/token", url.Values{
			"grant_type":    {idman.GrantTypeAuthorizationCode},
			"code":          {"not-even-a-uuid"},
			"client_id":     {"svc-web"},
			"client_secret": {"svc-secret"},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		payload := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, idman.OAuthErrInvalidGrant, payload["error"])
	})
}

func TestRevokeEndpoint(t *testing.T) {
	ctx := context.Background()
	env := setupOAuthApp(t)

	user := createTestUser(t, env.repo, "ada@example.com", "pw-ada-12345", idman.UserTypeHuman)
	createTestService(t, env.repo, "svc-web", "svc-secret")

	session := createTestSession(t, env.repo, idman.SessionKindDynamic, user.ID, "svc-web",
		timePtr(time.Now().Add(time.Hour)))

	info, err := env.tokens.GenerateTokenForSession(ctx, "svc-web", session.ID, idman.SessionKindDynamic)
	require.NoError(t, err)

	resp := postForm(t, env.app, "/oauth2/revoke", url.Values{
		"token":         {info.Token},
		"client_id":     {"svc-web"},
		"client_secret": {"svc-secret"},
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = env.tokens.TranslateToken(ctx, "svc-web", info.Token)
	assert.Error(t, err)

	// Revoking again is still a 200.
	resp = postForm(t, env.app, "/oauth2/revoke", url.Values{
		"token":         {info.Token},
		"client_id":     {"svc-web"},
		"client_secret": {"svc-secret"},
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginEndpoint(t *testing.T) {
	env := setupOAuthApp(t)

	createTestUser(t, env.repo, "ada@example.com", "pw-ada-12345", idman.UserTypeHuman)
	createTestService(t, env.repo, "svc-web", "svc-secret")

	t.Run("valid credentials redirect with an authorization code", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/login", url.Values{
			"email":     {"ada@example.com"},
			"password":  {"pw-ada-12345"},
			"client_id": {"svc-web"},
			"state":     {"xyz"},
		}, nil)
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

		base, q := locationQuery(t, resp)
		assert.Equal(t, "https://app.example.com/callback", base)
		assert.Equal(t, "xyz", q.Get("state"))
		assert.NotEmpty(t, q.Get("code"))

		// The code is the session id and can be exchanged.
		resp = postForm(t, env.app, "/oauth2/token", url.Values{
			"grant_type":    {idman.GrantTypeAuthorizationCode},
			"code":          {q.Get("code")},
			"client_id":     {"svc-web"},
			"client_secret": {"svc-secret"},
		}, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("bad credentials redirect back to the login page", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/login", url.Values{
			"email":     {"ada@example.com"},
			"password":  {"wrong"},
			"client_id": {"svc-web"},
			"state":     {"xyz"},
		}, nil)
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

		base, q := locationQuery(t, resp)
		assert.Equal(t, newTestConfig().GetLoginURL(), base)
		assert.Equal(t, "access_denied", q.Get("error"))
	})

	t.Run("malformed email is a 400", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/login", url.Values{
			"email":     {"not-an-email"},
			"password":  {"pw-ada-12345"},
			"client_id": {"svc-web"},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCheckEndpoint(t *testing.T) {
	ctx := context.Background()
	env := setupOAuthApp(t)

	user := createTestUser(t, env.repo, "ada@example.com", "pw-ada-12345", idman.UserTypeHuman)
	createTestService(t, env.repo, "svc-web", "svc-secret")

	session := createTestSession(t, env.repo, idman.SessionKindDynamic, user.ID, "svc-web",
		timePtr(time.Now().Add(time.Hour)))

	info, err := env.tokens.GenerateTokenForSession(ctx, "svc-web", session.ID, idman.SessionKindDynamic)
	require.NoError(t, err)

	authz := map[string]string{"Authorization": "Bearer svc-secret"}

	t.Run("valid token returns the identity", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/check/v1/svc-web", url.Values{
			"token": {info.Token},
		}, authz)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		identity := decodeJSON[idman.Identity](t, resp)
		assert.Equal(t, user.ID.String(), identity.UserID)
		assert.Equal(t, user.Email, identity.Email)
	})

	t.Run("unknown service is a 400", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/check/v1/svc-nope", url.Values{
			"token": {info.Token},
		}, authz)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		payload := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, idman.OAuthErrInvalidRequest, payload["error"])
	})

	t.Run("missing bearer secret is a 401", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/check/v1/svc-web", url.Values{
			"token": {info.Token},
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong secret is a 401", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/check/v1/svc-web", url.Values{
			"token": {info.Token},
		}, map[string]string{"Authorization": "Bearer nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing token is a 400", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/check/v1/svc-web", url.Values{}, authz)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("garbage token is a 401", func(t *testing.T) {
		resp := postForm(t, env.app, "/auth/check/v1/svc-web", url.Values{
			"token": {"garbage"},
		}, authz)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
