package idman

import (
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/google/uuid"
)

// OAuth2 error codes surfaced by the authorize and token endpoints.
const (
	OAuthErrInvalidRequest          = "invalid_request"
	OAuthErrUnauthorizedClient      = "unauthorized_client"
	OAuthErrInvalidClient           = "invalid_client"
	OAuthErrUnsupportedResponseType = "unsupported_response_type"
	OAuthErrInvalidGrant            = "invalid_grant"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in,omitempty"`
	Role         string   `json:"role,omitempty"`
	User         Identity `json:"user"`
}

type OAuth2Controller struct {
	Debug  bool
	Logger Logger
	Repo   RepositoryManager
	Tokens TokenIssuer
	Config Config
}

func NewOAuth2Controller(repo RepositoryManager, tokens TokenIssuer, config Config, logger Logger) *OAuth2Controller {
	if logger == nil {
		logger = defLogger{}
	}
	return &OAuth2Controller{
		Logger: logger,
		Repo:   repo,
		Tokens: tokens,
		Config: config,
	}
}

// RegisterRoutes mounts the OAuth2 endpoints.
func (ctrl *OAuth2Controller) RegisterRoutes(app *fiber.App) {
	app.Get("/oauth2/authorize", ctrl.Authorize)
	app.Post("/oauth2/token", ctrl.Token)
	app.Post("/oauth2/revoke", ctrl.Revoke)
}

type authorizeRequest struct {
	ResponseType string `query:"response_type"`
	ClientID     string `query:"client_id"`
	RedirectURI  string `query:"redirect_uri"`
	State        string `query:"state"`
	Scope        string `query:"scope"`
}

func (r authorizeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ClientID, validation.Required),
		validation.Field(&r.ResponseType, validation.Required),
	)
}

// Authorize starts the authorization-code flow. Without a redirect_uri there
// is nowhere to deliver an outcome, so that is the only flat 400; every other
// rejection rides back to the client as redirect error parameters.
func (ctrl *OAuth2Controller) Authorize(c *fiber.Ctx) error {
	req := authorizeRequest{}
	if err := c.QueryParser(&req); err != nil {
		ctrl.Logger.Error("authorize: failed to parse query", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "malformed query string",
		})
	}

	if ctrl.Debug {
		ctrl.Logger.Debug("authorize request: %s", print.MaybePrettyJSON(req))
	}

	if req.RedirectURI == "" {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "redirect_uri is required",
		})
	}

	if err := req.Validate(); err != nil {
		return redirectError(c, req.RedirectURI, req.State, OAuthErrInvalidRequest, err.Error())
	}

	if req.ResponseType != "code" {
		return redirectError(c, req.RedirectURI, req.State, OAuthErrUnsupportedResponseType,
			"only the authorization code flow is supported")
	}

	service, err := ctrl.Repo.Services().Get(c.Context(), req.ClientID)
	if err != nil {
		if goerrors.Is(err, ErrServiceNotFound) {
			return redirectError(c, req.RedirectURI, req.State, OAuthErrUnauthorizedClient,
				"unknown client")
		}
		ctrl.Logger.Error("authorize: service lookup failed", "client_id", req.ClientID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(oauthErrorResponse{Error: "server_error"})
	}

	if service.CallbackURL != req.RedirectURI {
		return redirectError(c, req.RedirectURI, req.State, OAuthErrInvalidRequest,
			"redirect_uri does not match the registered callback")
	}

	login, err := url.Parse(ctrl.Config.GetLoginURL())
	if err != nil {
		ctrl.Logger.Error("authorize: invalid login url configured", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(oauthErrorResponse{Error: "server_error"})
	}

	q := login.Query()
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	if req.State != "" {
		q.Set("state", req.State)
	}
	login.RawQuery = q.Encode()

	return c.Redirect(login.String(), fiber.StatusSeeOther)
}

type tokenRequest struct {
	GrantType    string `form:"grant_type"`
	Code         string `form:"code"`
	RefreshToken string `form:"refresh_token"`
	ClientID     string `form:"client_id"`
	ClientSecret string `form:"client_secret"`
}

func (r tokenRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.GrantType, validation.Required),
		validation.Field(&r.ClientID, validation.Required),
		validation.Field(&r.ClientSecret, validation.Required),
	)
}

// Token exchanges an authorization code or refresh token for tokens. Client
// authentication failures are deliberately uniform: a 401 invalid_client with
// no detail.
func (ctrl *OAuth2Controller) Token(c *fiber.Ctx) error {
	req := tokenRequest{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "malformed request body",
		})
	}

	if err := req.Validate(); err != nil {
		grantExchanges.WithLabelValues(req.GrantType, "invalid_request").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: err.Error(),
		})
	}

	if err := ctrl.authenticateClient(c, req.ClientID, req.ClientSecret); err != nil {
		grantExchanges.WithLabelValues(req.GrantType, "invalid_client").Inc()
		return c.Status(fiber.StatusUnauthorized).JSON(oauthErrorResponse{
			Error: OAuthErrInvalidClient,
		})
	}

	var info *GeneratedTokenInfo
	var err error

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		if req.Code == "" {
			grantExchanges.WithLabelValues(req.GrantType, "invalid_request").Inc()
			return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
				Error:            OAuthErrInvalidRequest,
				ErrorDescription: "code is required",
			})
		}

		sessionID, parseErr := uuid.Parse(req.Code)
		if parseErr != nil {
			grantExchanges.WithLabelValues(req.GrantType, "invalid_grant").Inc()
			return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
				Error: OAuthErrInvalidGrant,
			})
		}

		info, err = ctrl.Tokens.GenerateTokenForSession(c.Context(), req.ClientID, sessionID, SessionKindDynamic)

	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			grantExchanges.WithLabelValues(req.GrantType, "invalid_request").Inc()
			return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
				Error:            OAuthErrInvalidRequest,
				ErrorDescription: "refresh_token is required",
			})
		}

		info, err = ctrl.Tokens.RefreshAccessToken(c.Context(), req.ClientID, req.RefreshToken)

	default:
		grantExchanges.WithLabelValues(req.GrantType, "invalid_grant").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidGrant,
			ErrorDescription: "unsupported grant type",
		})
	}

	if err != nil {
		ctrl.Logger.Warn("token exchange rejected", "grant_type", req.GrantType, "client_id", req.ClientID, "error", err)
		grantExchanges.WithLabelValues(req.GrantType, "invalid_grant").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error: OAuthErrInvalidGrant,
		})
	}

	grantExchanges.WithLabelValues(req.GrantType, "ok").Inc()

	return c.Status(fiber.StatusOK).JSON(tokenResponseFrom(info))
}

type revokeRequest struct {
	Token        string `form:"token"`
	ClientID     string `form:"client_id"`
	ClientSecret string `form:"client_secret"`
}

// Revoke soft-deletes the session behind the presented token. Revoking an
// unknown or already revoked token still returns 200.
func (ctrl *OAuth2Controller) Revoke(c *fiber.Ctx) error {
	req := revokeRequest{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error: OAuthErrInvalidRequest,
		})
	}

	if req.Token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "token is required",
		})
	}

	if err := ctrl.authenticateClient(c, req.ClientID, req.ClientSecret); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(oauthErrorResponse{
			Error: OAuthErrInvalidClient,
		})
	}

	deleted, err := ctrl.Tokens.DeleteToken(c.Context(), req.ClientID, req.Token)
	if err != nil {
		ctrl.Logger.Warn("revocation ignored invalid token", "client_id", req.ClientID, "error", err)
	} else if deleted {
		ctrl.Logger.Info("token revoked", "client_id", req.ClientID)
	}

	return c.SendStatus(fiber.StatusOK)
}

// authenticateClient verifies the service credentials without revealing
// whether the client exists or only the secret was wrong.
func (ctrl *OAuth2Controller) authenticateClient(c *fiber.Ctx, clientID, clientSecret string) error {
	if clientID == "" || clientSecret == "" {
		return ErrClientAuthentication
	}

	service, err := ctrl.Repo.Services().Get(c.Context(), clientID)
	if err != nil {
		ctrl.Logger.Warn("client authentication failed: unknown service", "client_id", clientID)
		return ErrClientAuthentication
	}

	if err := ComparePasswordAndHash(clientSecret, service.Secret); err != nil {
		ctrl.Logger.Warn("client authentication failed: secret mismatch", "client_id", clientID)
		return ErrClientAuthentication
	}

	return nil
}

func tokenResponseFrom(info *GeneratedTokenInfo) TokenResponse {
	resp := TokenResponse{
		AccessToken:  info.Token,
		RefreshToken: info.RefreshToken,
		TokenType:    "bearer",
		Role:         info.Identity.Role,
		User:         info.Identity,
	}
	if info.ExpiresAt != nil {
		resp.ExpiresIn = int64(time.Until(*info.ExpiresAt).Seconds())
	}
	return resp
}

func redirectError(c *fiber.Ctx, redirectURI, state, code, description string) error {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "redirect_uri is not a valid URL",
		})
	}

	q := target.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	return c.Redirect(target.String(), fiber.StatusSeeOther)
}
