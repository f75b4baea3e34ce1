package idman

import (
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"

	"github.com/idmanhq/idman/external"
)

// AuthController owns the human-facing half of the flow: credential
// submission, the external provider handshake, and the relying-service token
// check endpoint.
type AuthController struct {
	Debug    bool
	Logger   Logger
	Repo     RepositoryManager
	Tokens   TokenIssuer
	Registry *ProviderRegistry
	External *external.Client
	Config   Config
}

func NewAuthController(repo RepositoryManager, tokens TokenIssuer, registry *ProviderRegistry, config Config, logger Logger) *AuthController {
	if logger == nil {
		logger = defLogger{}
	}
	return &AuthController{
		Logger:   logger,
		Repo:     repo,
		Tokens:   tokens,
		Registry: registry,
		Config:   config,
	}
}

// WithExternalClient enables the external provider handshake endpoints.
func (ctrl *AuthController) WithExternalClient(client *external.Client) *AuthController {
	ctrl.External = client
	return ctrl
}

// RegisterRoutes mounts the authentication endpoints.
func (ctrl *AuthController) RegisterRoutes(app *fiber.App) {
	app.Post("/auth/login", ctrl.Login)
	app.Get("/auth/external/start", ctrl.ExternalStart)
	app.Get("/auth/external/callback", ctrl.ExternalCallback)
	app.Post("/auth/check/v1/:serviceId", ctrl.Check)
}

type loginRequest struct {
	Email    string `form:"email"`
	Password string `form:"password"`
	ClientID string `form:"client_id"`
	State    string `form:"state"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.EmailFormat),
		validation.Field(&r.Password, validation.Required),
		validation.Field(&r.ClientID, validation.Required),
	)
}

// Login verifies a password credential and redirects back to the service
// callback with the session id as the authorization code.
func (ctrl *AuthController) Login(c *fiber.Ctx) error {
	req := loginRequest{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "malformed request body",
		})
	}

	if ctrl.Debug {
		ctrl.Logger.Debug("login request: %s", print.MaybePrettyJSON(loginRequest{
			Email:    req.Email,
			ClientID: req.ClientID,
			State:    req.State,
		}))
	}

	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: err.Error(),
		})
	}

	service, err := ctrl.Repo.Services().Get(c.Context(), req.ClientID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrUnauthorizedClient,
			ErrorDescription: "unknown client",
		})
	}

	provider, err := ctrl.Registry.Provider(AuthModePassword)
	if err != nil {
		ctrl.Logger.Error("login: password provider not registered", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(oauthErrorResponse{Error: "server_error"})
	}

	var clientSessionID *string
	if req.State != "" {
		clientSessionID = &req.State
	}

	session, err := provider.Login(c.Context(), PasswordCredential{
		Email:    req.Email,
		Password: req.Password,
	}, req.ClientID, clientSessionID)
	if err != nil {
		return ctrl.redirectLoginFailure(c, req.ClientID, req.State, err)
	}

	return redirectWithCode(c, service.CallbackURL, session.ID.String(), req.State)
}

// ExternalStart hands the user agent to the upstream identity provider. The
// client id and state round trip inside the upstream state parameter.
func (ctrl *AuthController) ExternalStart(c *fiber.Ctx) error {
	if ctrl.External == nil {
		return c.Status(fiber.StatusNotFound).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "external authentication is not configured",
		})
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "client_id is required",
		})
	}

	if _, err := ctrl.Repo.Services().Get(c.Context(), clientID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrUnauthorizedClient,
			ErrorDescription: "unknown client",
		})
	}

	provider, err := ctrl.Registry.Provider(AuthModeExternal)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "external authentication is not configured",
		})
	}

	redirecting, ok := provider.(RedirectingProvider)
	if !ok {
		ctrl.Logger.Error("external provider does not support redirection")
		return c.Status(fiber.StatusInternalServerError).JSON(oauthErrorResponse{Error: "server_error"})
	}

	upstream := url.Values{}
	upstream.Set("client_id", clientID)
	if state := c.Query("state"); state != "" {
		upstream.Set("state", state)
	}

	return c.Redirect(redirecting.RedirectionURL(upstream.Encode()), fiber.StatusSeeOther)
}

// ExternalCallback finishes the upstream handshake: it exchanges the upstream
// code for an ID token and logs the user in with it.
func (ctrl *AuthController) ExternalCallback(c *fiber.Ctx) error {
	if ctrl.External == nil {
		return c.Status(fiber.StatusNotFound).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "external authentication is not configured",
		})
	}

	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "code is required",
		})
	}

	upstream, err := url.ParseQuery(c.Query("state"))
	if err != nil || upstream.Get("client_id") == "" {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "state is missing or malformed",
		})
	}

	clientID := upstream.Get("client_id")
	state := upstream.Get("state")

	service, err := ctrl.Repo.Services().Get(c.Context(), clientID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrUnauthorizedClient,
			ErrorDescription: "unknown client",
		})
	}

	token, err := ctrl.External.Exchange(c.Context(), code)
	if err != nil {
		ctrl.Logger.Error("external callback: code exchange failed", "error", err)
		return ctrl.redirectLoginFailure(c, clientID, state, ErrProviderUnavailable)
	}

	provider, err := ctrl.Registry.Provider(AuthModeExternal)
	if err != nil {
		ctrl.Logger.Error("external callback: provider not registered", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(oauthErrorResponse{Error: "server_error"})
	}

	var clientSessionID *string
	if state != "" {
		clientSessionID = &state
	}

	session, err := provider.Login(c.Context(), ExternalCredential{
		IDToken: token.IDToken,
	}, clientID, clientSessionID)
	if err != nil {
		return ctrl.redirectLoginFailure(c, clientID, state, err)
	}

	return redirectWithCode(c, service.CallbackURL, session.ID.String(), state)
}

// Check lets a relying service translate a bearer token into the identity it
// represents. The service authenticates with its secret.
func (ctrl *AuthController) Check(c *fiber.Ctx) error {
	serviceID := c.Params("serviceId")

	secret, ok := bearerToken(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(oauthErrorResponse{
			Error: OAuthErrInvalidClient,
		})
	}

	// An unknown service is a malformed request, not an authentication
	// failure; 401 is reserved for a wrong secret or token.
	service, err := ctrl.Repo.Services().Get(c.Context(), serviceID)
	if err != nil {
		ctrl.Logger.Warn("check: unknown service", "service_id", serviceID)
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "unknown service",
		})
	}

	if err := ComparePasswordAndHash(secret, service.Secret); err != nil {
		ctrl.Logger.Warn("check: secret mismatch", "service_id", serviceID)
		return c.Status(fiber.StatusUnauthorized).JSON(oauthErrorResponse{
			Error: OAuthErrInvalidClient,
		})
	}

	token := c.FormValue("token")
	if token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(oauthErrorResponse{
			Error:            OAuthErrInvalidRequest,
			ErrorDescription: "token is required",
		})
	}

	identity, err := ctrl.Tokens.TranslateToken(c.Context(), serviceID, token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(oauthErrorResponse{
			Error: "invalid_token",
		})
	}

	return c.Status(fiber.StatusOK).JSON(identity)
}

// redirectLoginFailure sends the user agent back to the login page with an
// error parameter. Expired credentials get their own code so the page can
// offer a password change; everything else is access_denied.
func (ctrl *AuthController) redirectLoginFailure(c *fiber.Ctx, clientID, state string, cause error) error {
	code := "access_denied"
	if goerrors.Is(cause, ErrCredentialExpired) {
		code = "credential_expired"
	}

	login, err := url.Parse(ctrl.Config.GetLoginURL())
	if err != nil {
		ctrl.Logger.Error("invalid login url configured", "error", err)
		return c.Status(fiber.StatusUnauthorized).JSON(oauthErrorResponse{Error: code})
	}

	q := login.Query()
	q.Set("error", code)
	q.Set("client_id", clientID)
	if state != "" {
		q.Set("state", state)
	}
	login.RawQuery = q.Encode()

	return c.Redirect(login.String(), fiber.StatusSeeOther)
}

func redirectWithCode(c *fiber.Ctx, callbackURL, code, state string) error {
	target, err := url.Parse(callbackURL)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(oauthErrorResponse{Error: "server_error"})
	}

	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	return c.Redirect(target.String(), fiber.StatusSeeOther)
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}
