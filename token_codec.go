package idman

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// TokenClaims is the wire claim set: sub is the user id, jti the session id,
// aud the service the token is scoped to (or the token domain for refresh
// tokens), iss the configured issuer. exp is present only for expiring
// sessions.
type TokenClaims struct {
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies the bearer-token format. It is stateless
// apart from the memoized per-audience verifiers.
type TokenCodec interface {
	Sign(sessionID, userID uuid.UUID, audience string, issuedAt time.Time, expiresAt *time.Time) (string, error)
	Verify(audience, token string) (*ParsedTokenInfo, error)
}

type tokenCodec struct {
	signingKey []byte
	issuer     string
	logger     Logger

	mu        sync.RWMutex
	verifiers map[string]*jwt.Parser
}

// NewTokenCodec creates a TokenCodec bound to one HMAC key and issuer. Key
// material does not rotate within a process lifetime, so verifiers are cached
// per audience and never invalidated.
func NewTokenCodec(signingKey []byte, issuer string, logger Logger) TokenCodec {
	if logger == nil {
		logger = defLogger{}
	}
	return &tokenCodec{
		signingKey: signingKey,
		issuer:     issuer,
		logger:     logger,
		verifiers:  map[string]*jwt.Parser{},
	}
}

// Sign mints a compact token for the session. A nil expiresAt produces a
// non-expiring token (static sessions).
func (c *tokenCodec) Sign(sessionID, userID uuid.UUID, audience string, issuedAt time.Time, expiresAt *time.Time) (string, error) {
	if audience == "" {
		return "", goerrors.New("token audience is required", goerrors.CategoryValidation).
			WithTextCode("AUDIENCE_REQUIRED")
	}

	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.issuer,
			Subject:  userID.String(),
			Audience: jwt.ClaimStrings{audience},
			ID:       sessionID.String(),
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign token")
	}

	return signed, nil
}

// Verify parses and validates a token against the given audience. Every
// failure mode collapses to ErrTokenInvalid (expiry keeps its own sentinel);
// the concrete reason is only logged.
func (c *tokenCodec) Verify(audience, token string) (*ParsedTokenInfo, error) {
	parser := c.verifierFor(audience)

	parsed, err := parser.ParseWithClaims(token, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.signingKey, nil
	})

	if err != nil {
		c.logger.Warn("token verification failed", "audience", audience, "error", err)
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		c.logger.Warn("token verification produced no usable claims", "audience", audience)
		return nil, ErrTokenInvalid
	}

	return c.tokenInfo(audience, claims)
}

func (c *tokenCodec) tokenInfo(audience string, claims *TokenClaims) (*ParsedTokenInfo, error) {
	if claims.IssuedAt == nil {
		c.logger.Warn("token missing issued-at claim", "audience", audience)
		return nil, ErrTokenInvalid
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		c.logger.Warn("token subject is not a valid user id", "audience", audience, "error", err)
		return nil, ErrTokenInvalid
	}

	sessionID, err := uuid.Parse(claims.ID)
	if err != nil {
		c.logger.Warn("token id is not a valid session id", "audience", audience, "error", err)
		return nil, ErrTokenInvalid
	}

	info := &ParsedTokenInfo{
		UserID:    userID,
		SessionID: sessionID,
		ServiceID: audience,
		IssuedAt:  claims.IssuedAt.Time,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		info.ExpiresAt = &exp
	}

	return info, nil
}

// verifierFor returns the memoized parser for an audience, building it on
// first use. The parser pins the allow-listed HMAC algorithm and requires
// issuer and audience to match.
func (c *tokenCodec) verifierFor(audience string) *jwt.Parser {
	c.mu.RLock()
	parser, ok := c.verifiers[audience]
	c.mu.RUnlock()
	if ok {
		return parser
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if parser, ok = c.verifiers[audience]; ok {
		return parser
	}

	parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(audience),
	)
	c.verifiers[audience] = parser

	return parser
}
