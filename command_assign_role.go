package idman

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AssignRoleMessage struct {
	UserID     uuid.UUID `json:"user_id"`
	ServiceID  string    `json:"service_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by"`
}

func (e AssignRoleMessage) Type() string { return "role.assign" }

func (e AssignRoleMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.ServiceID, validation.Required),
		validation.Field(&e.RoleID, validation.Required),
	)
}

// AssignRoleHandler maps a user to their single role for a service,
// reviving a previously unmapped row when one exists.
type AssignRoleHandler struct {
	repo RepositoryManager
}

func NewAssignRoleHandler(repo RepositoryManager) *AssignRoleHandler {
	return &AssignRoleHandler{repo: repo}
}

func (h *AssignRoleHandler) Execute(ctx context.Context, event AssignRoleMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during role assignment",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *AssignRoleHandler) execute(ctx context.Context, event AssignRoleMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid role assignment request")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	return h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.repo.Users().GetByID(ctx, event.UserID.String()); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryNotFound, "user not found")
		}

		if _, err := h.repo.Services().GetTx(ctx, tx, event.ServiceID); err != nil {
			return err
		}

		return h.repo.Roles().AssignTx(ctx, tx, &UserRoleMapping{
			UserID:     event.UserID,
			ServiceID:  event.ServiceID,
			RoleID:     event.RoleID,
			AssignedBy: event.AssignedBy,
		})
	})
}
