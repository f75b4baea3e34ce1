// Package external implements the OAuth2/OIDC client side of external
// authentication: building the upstream authorization URL, exchanging the
// callback code, and verifying the returned ID token against the upstream
// JWK set.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidIDToken covers every ID-token verification failure.
	ErrInvalidIDToken = errors.New("external: invalid id token")
	// ErrExchangeFailed covers upstream token-endpoint failures.
	ErrExchangeFailed = errors.New("external: code exchange failed")
)

// Config holds the upstream identity provider settings.
type Config struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	JWKSetURL   string
	// Issuer is the expected iss claim of upstream ID tokens.
	Issuer string

	HTTPClient *http.Client
}

// DefaultScopes returns the scopes requested when none are configured.
func DefaultScopes() []string {
	return []string{"openid", "email", "profile"}
}

// Token is the upstream token-endpoint response.
type Token struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// Profile is the subset of upstream identity claims the issuer consumes.
type Profile struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
}

// Client talks to one upstream identity provider.
type Client struct {
	config     Config
	httpClient *http.Client
	jwks       *keyfunc.JWKS
}

// New builds a Client and starts the background JWKS refresh.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("external: client id is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &Client{
		config:     cfg,
		httpClient: httpClient,
	}

	if cfg.JWKSetURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSetURL, keyfunc.Options{
			Client: httpClient,
			RefreshErrorHandler: func(err error) {
				log.Printf("external: failed to refresh JWK set: %s", err)
			},
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  time.Minute * 5,
			RefreshTimeout:    time.Second * 10,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("external: failed to load JWK set: %w", err)
		}
		c.jwks = jwks
	}

	return c, nil
}

// Close stops the background JWKS refresh.
func (c *Client) Close() {
	if c.jwks != nil {
		c.jwks.EndBackground()
	}
}

// AuthCodeURL builds the upstream authorization redirect. The state round
// trips the caller's client session id.
func (c *Client) AuthCodeURL(state string) string {
	params := url.Values{
		"client_id":     {c.config.ClientID},
		"redirect_uri":  {c.config.CallbackURL},
		"response_type": {"code"},
		"scope":         {strings.Join(c.config.Scopes, " ")},
		"state":         {state},
	}
	return c.config.AuthURL + "?" + params.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Exchange trades the callback code for upstream tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	data := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.config.CallbackURL},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrExchangeFailed, err)
	}

	if resp.StatusCode != http.StatusOK || tokenResp.Error != "" {
		return nil, fmt.Errorf("%w: %s %s (status %d)", ErrExchangeFailed, tokenResp.Error, tokenResp.ErrorDesc, resp.StatusCode)
	}

	if tokenResp.IDToken == "" {
		return nil, fmt.Errorf("%w: missing id_token", ErrExchangeFailed)
	}

	token := &Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
	}
	if tokenResp.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	return token, nil
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// VerifyIDToken checks the ID token's signature against the JWK set and its
// issuer and audience against the configuration, and returns the embedded
// profile.
func (c *Client) VerifyIDToken(idToken string) (*Profile, error) {
	if c.jwks == nil {
		return nil, fmt.Errorf("%w: no JWK set configured", ErrInvalidIDToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodES256.Alg(),
		}),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(c.config.ClientID),
	)

	claims := &idTokenClaims{}
	token, err := parser.ParseWithClaims(idToken, claims, c.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidIDToken
	}

	if claims.Subject == "" || claims.Email == "" {
		return nil, fmt.Errorf("%w: missing subject or email", ErrInvalidIDToken)
	}

	return &Profile{
		Subject:       claims.Subject,
		Email:         claims.Email,
		Name:          claims.Name,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// UserInfo fetches the upstream profile endpoint with the access token. It is
// a fallback for providers whose ID tokens omit profile claims.
func (c *Client) UserInfo(ctx context.Context, token *Token) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external: userinfo returned status %d", resp.StatusCode)
	}

	var payload struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("external: invalid userinfo response: %w", err)
	}

	return &Profile{
		Subject:       payload.Sub,
		Email:         payload.Email,
		Name:          payload.Name,
		EmailVerified: payload.EmailVerified,
	}, nil
}
