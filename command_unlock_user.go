package idman

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type UnlockUserMessage struct {
	UserID      uuid.UUID `json:"user_id"`
	NewPassword string    `json:"new_password"`
}

func (e UnlockUserMessage) Type() string { return "user.unlock" }

func (e UnlockUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.NewPassword, validation.Required, validation.Length(8, 0)),
	)
}

// UnlockUserHandler is the administrative credential reset: the only way out
// of a lockout. It swaps the password and returns the account to ACTIVE.
type UnlockUserHandler struct {
	repo RepositoryManager
}

func NewUnlockUserHandler(repo RepositoryManager) *UnlockUserHandler {
	return &UnlockUserHandler{repo: repo}
}

func (h *UnlockUserHandler) Execute(ctx context.Context, event UnlockUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during account unlock",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *UnlockUserHandler) execute(ctx context.Context, event UnlockUserMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid unlock request")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	return h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.repo.Users().GetByID(ctx, event.UserID.String()); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryNotFound, "user not found")
		}

		hash, err := HashPassword(event.NewPassword)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
		}

		return h.repo.Users().ResetPasswordTx(ctx, tx, event.UserID, hash)
	})
}
