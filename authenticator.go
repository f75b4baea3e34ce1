package idman

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// authStrategy is the mode-specific half of a provider: it resolves the user
// a credential claims to be and verifies the secret material. The shared
// orchestration around it owns lockout accounting and session minting.
type authStrategy interface {
	Mode() AuthMode
	ResolveUser(ctx context.Context, repo RepositoryManager, credential Credential) (*User, error)
	VerifyCredential(ctx context.Context, user *User, credential Credential) error
}

type authProvider struct {
	strategy authStrategy
	repo     RepositoryManager
	config   Config
	logger   Logger
	activity ActivitySink
}

// ProviderOption customizes an authentication provider.
type ProviderOption func(*authProvider)

// WithActivitySink sets the sink login events are recorded to.
func WithActivitySink(sink ActivitySink) ProviderOption {
	return func(p *authProvider) {
		p.activity = normalizeActivitySink(sink)
	}
}

func newAuthProvider(strategy authStrategy, repo RepositoryManager, config Config, logger Logger, opts ...ProviderOption) *authProvider {
	if logger == nil {
		logger = defLogger{}
	}
	p := &authProvider{
		strategy: strategy,
		repo:     repo,
		config:   config,
		logger:   logger,
		activity: noopActivitySink{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *authProvider) recordActivity(ctx context.Context, eventType ActivityEventType, user *User, serviceID string) {
	event := ActivityEvent{
		EventType:  eventType,
		ServiceID:  serviceID,
		AuthMode:   p.strategy.Mode(),
		OccurredAt: time.Now(),
	}
	if user != nil {
		event.UserID = user.ID.String()
	}
	if err := p.activity.Record(ctx, event); err != nil {
		p.logger.Warn("activity sink error", "event", eventType, "error", err)
	}
}

func (p *authProvider) Mode() AuthMode {
	return p.strategy.Mode()
}

// Login runs the full credential check. Every rejection except an expired
// credential collapses to ErrAuthenticationFailed so callers cannot probe
// which accounts exist or are locked.
func (p *authProvider) Login(ctx context.Context, credential Credential, serviceID string, clientSessionID *string) (*Session, error) {
	mode := p.strategy.Mode()

	if credential == nil || credential.Mode() != mode {
		return nil, ErrCredentialModeMismatch
	}

	user, err := p.strategy.ResolveUser(ctx, p.repo, credential)
	if err != nil {
		if !repository.IsRecordNotFound(err) && !goerrors.Is(err, ErrUserNotFound) {
			loginAttempts.WithLabelValues(mode, "error").Inc()
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve user")
		}
		p.logger.Warn("login rejected: unknown user", "mode", mode)
		loginAttempts.WithLabelValues(mode, "failure").Inc()
		p.recordActivity(ctx, ActivityEventLoginFailure, nil, serviceID)
		return nil, ErrAuthenticationFailed
	}

	if user.AuthMode != mode {
		p.logger.Warn("login rejected: account uses another auth mode", "user_id", user.ID, "mode", mode)
		loginAttempts.WithLabelValues(mode, "failure").Inc()
		p.recordActivity(ctx, ActivityEventLoginFailure, user, serviceID)
		return nil, ErrAuthenticationFailed
	}

	if user.Locked() {
		p.logger.Warn("login rejected: account locked", "user_id", user.ID)
		loginAttempts.WithLabelValues(mode, "locked").Inc()
		p.recordActivity(ctx, ActivityEventLoginFailure, user, serviceID)
		return nil, ErrAuthenticationFailed
	}

	if err := p.strategy.VerifyCredential(ctx, user, credential); err != nil {
		// The counter update must land even though the login errors out.
		if trackErr := p.repo.Users().TrackFailedLogin(ctx, user.ID); trackErr != nil {
			p.logger.Error("failed to persist login attempt", "user_id", user.ID, "error", trackErr)
		} else if user.FailedAttempts+1 >= MaxFailedLoginAttempts {
			p.logger.Warn("account locked after repeated failures", "user_id", user.ID)
			accountLockouts.Inc()
			p.recordActivity(ctx, ActivityEventAccountLocked, user, serviceID)
		}

		p.logger.Warn("login rejected: credential verification failed", "user_id", user.ID, "error", err)
		loginAttempts.WithLabelValues(mode, "failure").Inc()
		p.recordActivity(ctx, ActivityEventLoginFailure, user, serviceID)
		return nil, ErrAuthenticationFailed
	}

	if user.AuthStatus == AuthStatusExpired {
		p.logger.Info("login deferred: credential expired", "user_id", user.ID)
		loginAttempts.WithLabelValues(mode, "expired").Inc()
		return nil, ErrCredentialExpired
	}

	if user.FailedAttempts > 0 {
		if err := p.repo.Users().ResetFailedLogins(ctx, user.ID); err != nil {
			p.logger.Error("failed to reset login attempts", "user_id", user.ID, "error", err)
		}
	}

	expiresAt := time.Now().Add(p.config.GetSessionDuration())

	session, err := p.repo.Sessions().Create(ctx, SessionKindDynamic, SessionRecord{
		ID:              uuid.New(),
		UserID:          user.ID,
		ServiceID:       serviceID,
		ClientSessionID: clientSessionID,
		ExpiresAt:       &expiresAt,
	})
	if err != nil {
		loginAttempts.WithLabelValues(mode, "error").Inc()
		return nil, err
	}

	loginAttempts.WithLabelValues(mode, "success").Inc()
	p.recordActivity(ctx, ActivityEventLoginSuccess, user, serviceID)
	return session, nil
}

// NewPasswordProvider authenticates email/password credentials against the
// stored bcrypt hash.
func NewPasswordProvider(repo RepositoryManager, config Config, logger Logger, opts ...ProviderOption) AuthenticationProvider {
	return newAuthProvider(passwordStrategy{}, repo, config, logger, opts...)
}

type passwordStrategy struct{}

func (passwordStrategy) Mode() AuthMode { return AuthModePassword }

func (passwordStrategy) ResolveUser(ctx context.Context, repo RepositoryManager, credential Credential) (*User, error) {
	cred, ok := credential.(PasswordCredential)
	if !ok {
		return nil, ErrCredentialModeMismatch
	}
	return repo.Users().GetByEmail(ctx, cred.Email)
}

func (passwordStrategy) VerifyCredential(_ context.Context, user *User, credential Credential) error {
	cred, ok := credential.(PasswordCredential)
	if !ok {
		return ErrCredentialModeMismatch
	}

	if user.PasswordHash == "" {
		return ErrMismatchedHashAndPassword
	}

	return ComparePasswordAndHash(cred.Password, user.PasswordHash)
}
