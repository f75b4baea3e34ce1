package idman

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// TokenManager issues, refreshes, translates, and revokes session-backed
// tokens. It is the only component that touches the codec, the session
// stores, and the user/service/role repositories together.
type TokenManager struct {
	repo   RepositoryManager
	codec  TokenCodec
	config Config
	logger Logger
}

var _ TokenIssuer = (*TokenManager)(nil)

func NewTokenManager(repo RepositoryManager, codec TokenCodec, config Config, logger Logger) *TokenManager {
	if logger == nil {
		logger = defLogger{}
	}
	return &TokenManager{
		repo:   repo,
		codec:  codec,
		config: config,
		logger: logger,
	}
}

// CreateToken provisions a new session of the given kind for the user. Human
// accounts only hold dynamic sessions and system accounts only static ones;
// expiry nullability follows the kind and is enforced by the stores.
func (m *TokenManager) CreateToken(ctx context.Context, serviceID string, userID uuid.UUID, clientSessionID *string, kind SessionKind, expiresAt *time.Time) (*Session, error) {
	if _, err := m.repo.Services().Get(ctx, serviceID); err != nil {
		return nil, err
	}

	user, err := m.repo.Users().GetByID(ctx, userID.String())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrUserNotFound.Clone().
				WithMetadata(map[string]any{"user_id": userID.String()})
		}
		return nil, err
	}

	if err := m.allowKind(user, kind); err != nil {
		return nil, err
	}

	return m.repo.Sessions().Create(ctx, kind, SessionRecord{
		ID:              uuid.New(),
		UserID:          user.ID,
		ServiceID:       serviceID,
		ClientSessionID: clientSessionID,
		ExpiresAt:       expiresAt,
	})
}

func (m *TokenManager) allowKind(user *User, kind SessionKind) error {
	switch kind {
	case SessionKindDynamic:
		if user.UserType != UserTypeHuman {
			return ErrUserTypeMismatch.Clone().
				WithMetadata(map[string]any{"user_type": user.UserType, "kind": kind})
		}
	case SessionKindStatic:
		if user.UserType != UserTypeSystem {
			return ErrUserTypeMismatch.Clone().
				WithMetadata(map[string]any{"user_type": user.UserType, "kind": kind})
		}
	default:
		return goerrors.New("unknown session kind", goerrors.CategoryValidation).
			WithTextCode("UNKNOWN_SESSION_KIND").
			WithMetadata(map[string]any{"kind": kind})
	}
	return nil
}

// GenerateTokenForSession signs tokens for an existing session. The access
// token is scoped to the service; dynamic sessions also get a refresh token
// scoped to the token domain.
func (m *TokenManager) GenerateTokenForSession(ctx context.Context, serviceID string, sessionID uuid.UUID, kind SessionKind) (*GeneratedTokenInfo, error) {
	if _, err := m.repo.Services().Get(ctx, serviceID); err != nil {
		return nil, err
	}

	store, err := m.repo.Sessions().StoreFor(kind)
	if err != nil {
		return nil, err
	}

	session, err := store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return m.issueForSession(ctx, serviceID, session)
}

// RefreshAccessToken verifies a refresh token against the token domain and
// re-issues tokens for the session it names, provided the session is still
// live and belongs to the requesting service.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, serviceID, refreshToken string) (*GeneratedTokenInfo, error) {
	if _, err := m.repo.Services().Get(ctx, serviceID); err != nil {
		return nil, err
	}

	parsed, err := m.codec.Verify(m.config.GetTokenDomain(), refreshToken)
	if err != nil {
		return nil, err
	}

	session, err := m.repo.Sessions().Get(ctx, parsed.SessionID)
	if err != nil {
		return nil, err
	}

	return m.issueForSession(ctx, serviceID, session)
}

func (m *TokenManager) issueForSession(ctx context.Context, serviceID string, session *Session) (*GeneratedTokenInfo, error) {
	if session.ServiceID != serviceID {
		m.logger.Warn("token issuance rejected: session belongs to another service",
			"session_id", session.ID, "service_id", serviceID)
		return nil, ErrSessionNotFound.Clone().
			WithMetadata(map[string]any{"session_id": session.ID.String()})
	}

	if session.Expired(time.Now()) {
		return nil, ErrTokenExpired
	}

	user, err := m.repo.Users().GetByID(ctx, session.UserID.String())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrUserNotFound.Clone().
				WithMetadata(map[string]any{"user_id": session.UserID.String()})
		}
		return nil, err
	}

	role := m.roleFor(ctx, user.ID, serviceID)
	now := time.Now()

	token, err := m.codec.Sign(session.ID, user.ID, serviceID, now, session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	info := &GeneratedTokenInfo{
		Identity: Identity{
			UserID:      user.ID.String(),
			Email:       user.Email,
			DisplayName: user.DisplayName,
			UserType:    user.UserType,
			ServiceID:   serviceID,
			Role:        role,
		},
		Token:     token,
		ExpiresAt: session.ExpiresAt,
	}

	if session.Kind == SessionKindDynamic {
		refresh, err := m.codec.Sign(session.ID, user.ID, m.config.GetTokenDomain(), now, session.ExpiresAt)
		if err != nil {
			return nil, err
		}
		info.RefreshToken = refresh
	}

	return info, nil
}

// roleFor resolves the user's role for the service. A missing mapping is not
// an error: the identity simply carries no role.
func (m *TokenManager) roleFor(ctx context.Context, userID uuid.UUID, serviceID string) string {
	role, err := m.repo.Roles().RoleForUser(ctx, userID, serviceID)
	if err != nil {
		if !goerrors.Is(err, ErrRoleNotFound) {
			m.logger.Error("failed to resolve role", "user_id", userID, "service_id", serviceID, "error", err)
		} else {
			m.logger.Debug("user holds no role for service", "user_id", userID, "service_id", serviceID)
		}
		return ""
	}
	return role
}

// TranslateToken verifies a bearer token on behalf of a service and resolves
// the identity behind it. Every failure mode collapses to an invalid-token
// rejection with the concrete reason logged, never returned.
func (m *TokenManager) TranslateToken(ctx context.Context, serviceID, token string) (*Identity, error) {
	if _, err := m.repo.Services().Get(ctx, serviceID); err != nil {
		tokenVerifications.WithLabelValues("unknown_service").Inc()
		return nil, err
	}

	parsed, err := m.codec.Verify(serviceID, token)
	if err != nil {
		tokenVerifications.WithLabelValues("invalid").Inc()
		return nil, err
	}

	session, err := m.repo.Sessions().Get(ctx, parsed.SessionID)
	if err != nil {
		m.logger.Warn("token rejected: session missing or revoked", "session_id", parsed.SessionID)
		tokenVerifications.WithLabelValues("revoked").Inc()
		return nil, ErrTokenInvalid
	}

	if session.ServiceID != serviceID || session.UserID != parsed.UserID {
		m.logger.Warn("token rejected: claims do not match session",
			"session_id", parsed.SessionID, "service_id", serviceID)
		tokenVerifications.WithLabelValues("mismatch").Inc()
		return nil, ErrTokenInvalid
	}

	if session.Expired(time.Now()) {
		tokenVerifications.WithLabelValues("expired").Inc()
		return nil, ErrTokenExpired
	}

	user, err := m.repo.Users().GetByID(ctx, session.UserID.String())
	if err != nil {
		m.logger.Warn("token rejected: user missing or deleted", "user_id", session.UserID)
		tokenVerifications.WithLabelValues("no_user").Inc()
		return nil, ErrTokenInvalid
	}

	tokenVerifications.WithLabelValues("ok").Inc()

	return &Identity{
		UserID:      user.ID.String(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		UserType:    user.UserType,
		ServiceID:   serviceID,
		Role:        m.roleFor(ctx, user.ID, serviceID),
	}, nil
}

// DeleteToken revokes the session behind a token. It reports false when the
// session was already gone, matching the stores' idempotent delete.
func (m *TokenManager) DeleteToken(ctx context.Context, serviceID, token string) (bool, error) {
	if _, err := m.repo.Services().Get(ctx, serviceID); err != nil {
		return false, err
	}

	parsed, err := m.codec.Verify(serviceID, token)
	if err != nil {
		// Refresh tokens carry the token domain audience instead.
		parsed, err = m.codec.Verify(m.config.GetTokenDomain(), token)
		if err != nil {
			return false, err
		}
	}

	session, err := m.repo.Sessions().Get(ctx, parsed.SessionID)
	if err != nil {
		if goerrors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}

	if session.ServiceID != serviceID {
		m.logger.Warn("token revocation rejected: session belongs to another service",
			"session_id", session.ID, "service_id", serviceID)
		return false, ErrSessionNotFound
	}

	return m.repo.Sessions().Delete(ctx, session.ID)
}
