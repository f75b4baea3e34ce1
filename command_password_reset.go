package idman

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// PasswordResetAudience scopes reset tokens away from every service audience
// and the refresh-token domain, so a reset token can never pass as a bearer
// token and vice versa.
const PasswordResetAudience = "password-reset"

// PasswordResetTokenTTL bounds how long an issued reset token stays usable.
const PasswordResetTokenTTL = time.Hour

// resetTokenSkew tolerates the one-second claim truncation plus minor clock
// drift when comparing a token's issue time against the last credential
// change.
const resetTokenSkew = time.Minute

type InitializePasswordResetMessage struct {
	Email      string `json:"email"`
	OnResponse func(resp *InitializePasswordResetResponse)
}

func (e InitializePasswordResetMessage) Type() string { return "user.password_reset.initialize" }

func (e InitializePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.EmailFormat),
	)
}

// InitializePasswordResetResponse carries the signed reset token. Delivery
// (mail, SMS) is the caller's concern. ResetToken is empty when the email is
// unknown; the handler still reports success so callers cannot probe for
// accounts.
type InitializePasswordResetResponse struct {
	ResetToken string
	ExpiresAt  time.Time
	Success    bool
}

// InitializePasswordResetHandler issues a short-lived reset token for the
// account behind an email address. The token is a signed claim set scoped to
// PasswordResetAudience; no reset state is persisted.
type InitializePasswordResetHandler struct {
	repo     RepositoryManager
	codec    TokenCodec
	activity ActivitySink
	logger   Logger
}

func NewInitializePasswordResetHandler(repo RepositoryManager, codec TokenCodec) *InitializePasswordResetHandler {
	return &InitializePasswordResetHandler{
		repo:     repo,
		codec:    codec,
		activity: noopActivitySink{},
		logger:   defLogger{},
	}
}

// WithActivitySink sets the sink used to emit reset events.
func (h *InitializePasswordResetHandler) WithActivitySink(sink ActivitySink) *InitializePasswordResetHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *InitializePasswordResetHandler) WithLogger(logger Logger) *InitializePasswordResetHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, event InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializePasswordResetHandler) execute(ctx context.Context, event InitializePasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password reset request")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	resp := &InitializePasswordResetResponse{Success: true}

	user, err := h.repo.Users().GetByEmail(ctx, event.Email)
	if err != nil {
		if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for password reset")
		}
		// Unknown address: succeed without a token so the handler cannot be
		// used to enumerate accounts.
		h.logger.Info("password reset requested for unknown email")
		if event.OnResponse != nil {
			event.OnResponse(resp)
		}
		return nil
	}

	now := time.Now()
	expiresAt := now.Add(PasswordResetTokenTTL)

	token, err := h.codec.Sign(uuid.New(), user.ID, PasswordResetAudience, now, &expiresAt)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign password reset token")
	}

	resp.ResetToken = token
	resp.ExpiresAt = expiresAt

	if sinkErr := h.activity.Record(ctx, ActivityEvent{
		EventType:  ActivityEventPasswordResetIssued,
		UserID:     user.ID.String(),
		OccurredAt: now,
	}); sinkErr != nil {
		h.logger.Warn("activity sink error during password reset", "error", sinkErr)
	}

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}

type FinalizePasswordResetMessage struct {
	ResetToken  string `json:"reset_token"`
	NewPassword string `json:"new_password"`
}

func (e FinalizePasswordResetMessage) Type() string { return "user.password_reset.finalize" }

func (e FinalizePasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.ResetToken, validation.Required),
		validation.Field(&e.NewPassword, validation.Required, validation.Length(8, 0)),
	)
}

// FinalizePasswordResetHandler redeems a reset token and installs the new
// password. The swap reopens the account the same way a password change does.
// Tokens minted before the user's last credential change are refused, which
// retires a token once it has been redeemed.
type FinalizePasswordResetHandler struct {
	repo   RepositoryManager
	codec  TokenCodec
	logger Logger
}

func NewFinalizePasswordResetHandler(repo RepositoryManager, codec TokenCodec) *FinalizePasswordResetHandler {
	return &FinalizePasswordResetHandler{
		repo:   repo,
		codec:  codec,
		logger: defLogger{},
	}
}

// WithLogger overrides the logger used by the handler.
func (h *FinalizePasswordResetHandler) WithLogger(logger Logger) *FinalizePasswordResetHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *FinalizePasswordResetHandler) Execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset finalization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizePasswordResetHandler) execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password reset finalization")
	}

	info, err := h.codec.Verify(PasswordResetAudience, event.ResetToken)
	if err != nil {
		return ErrTokenInvalid
	}

	hash, err := HashPassword(event.NewPassword)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid new password provided")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	return h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := h.repo.Users().GetByID(ctx, info.UserID.String())
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrTokenInvalid
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for password reset")
		}

		if user.UpdatedAt != nil && info.IssuedAt.Add(resetTokenSkew).Before(*user.UpdatedAt) {
			h.logger.Warn("password reset token predates last credential change", "user_id", user.ID)
			return ErrTokenInvalid
		}

		return h.repo.Users().ResetPasswordTx(ctx, tx, user.ID, hash)
	})
}
