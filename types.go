package idman

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Logger is the minimal logging surface every component accepts.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds the issuer-side settings shared by the codec, providers, and
// controllers.
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	// GetTokenDomain is the audience used for refresh tokens, which are not
	// scoped to a single service.
	GetTokenDomain() string
	// GetSessionDuration is the lifetime of dynamic sessions minted at login.
	GetSessionDuration() time.Duration
	// GetLoginURL is where the authorize endpoint sends unauthenticated
	// user agents.
	GetLoginURL() string
}

// Credential is the closed set of raw authentication material. Each concrete
// credential names the AuthMode whose provider can verify it.
type Credential interface {
	Mode() AuthMode
}

// PasswordCredential authenticates an email/password pair.
type PasswordCredential struct {
	Email    string
	Password string
}

// Mode implements Credential.
func (PasswordCredential) Mode() AuthMode { return AuthModePassword }

// ExternalCredential carries the identity token obtained from the external
// provider's code exchange.
type ExternalCredential struct {
	IDToken string
}

// Mode implements Credential.
func (ExternalCredential) Mode() AuthMode { return AuthModeExternal }

// AuthenticationProvider verifies one credential mode and mints a dynamic
// session scoped to the requesting service on success. Login never reveals
// whether the user exists, is locked, or failed verification: all of those
// surface as ErrAuthenticationFailed.
type AuthenticationProvider interface {
	Mode() AuthMode
	Login(ctx context.Context, credential Credential, serviceID string, clientSessionID *string) (*Session, error)
}

// RedirectingProvider is implemented by providers that start their handshake
// on a remote authorization endpoint.
type RedirectingProvider interface {
	AuthenticationProvider
	RedirectionURL(clientSessionID string) string
}

// SessionRecord is the store-agnostic creation payload.
type SessionRecord struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	ServiceID       string
	ClientSessionID *string
	ExpiresAt       *time.Time
}

// SessionStore persists one session kind. Get returns expired-but-undeleted
// rows so callers can apply their own expiry policy; SessionsForUser does
// not.
type SessionStore interface {
	Kind() SessionKind
	Create(ctx context.Context, rec SessionRecord) (*Session, error)
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	SessionsForUser(ctx context.Context, userID uuid.UUID) ([]*Session, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

// TokenIssuer mints and revokes session-backed tokens for services.
type TokenIssuer interface {
	CreateToken(ctx context.Context, serviceID string, userID uuid.UUID, clientSessionID *string, kind SessionKind, expiresAt *time.Time) (*Session, error)
	GenerateTokenForSession(ctx context.Context, serviceID string, sessionID uuid.UUID, kind SessionKind) (*GeneratedTokenInfo, error)
	RefreshAccessToken(ctx context.Context, serviceID, refreshToken string) (*GeneratedTokenInfo, error)
	TranslateToken(ctx context.Context, serviceID, token string) (*Identity, error)
	DeleteToken(ctx context.Context, serviceID, token string) (bool, error)
}

// TokenVerifier is the contract relying-service code depends on to validate
// a bearer token for one of its protected endpoints.
type TokenVerifier interface {
	Validate(ctx context.Context, serviceID, token string) (*Identity, error)
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] IDMAN "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] IDMAN "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] IDMAN "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] IDMAN "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
