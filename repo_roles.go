package idman

import (
	"context"
	"database/sql"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Roles stores per-service role definitions and the single role a user holds
// for each service.
type Roles interface {
	Get(ctx context.Context, serviceID, roleID string) (*Role, error)
	Create(ctx context.Context, role *Role) (*Role, error)
	CreateTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error)

	// RoleForUser resolves the role a user holds for a service. Absence is
	// ErrRoleNotFound, which token issuance downgrades to an empty role.
	RoleForUser(ctx context.Context, userID uuid.UUID, serviceID string) (string, error)
	RoleForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, serviceID string) (string, error)

	Assign(ctx context.Context, mapping *UserRoleMapping) error
	AssignTx(ctx context.Context, tx bun.IDB, mapping *UserRoleMapping) error
	Unassign(ctx context.Context, userID uuid.UUID, serviceID string) error
}

type roles struct {
	db *bun.DB
}

func NewRolesRepository(db *bun.DB) Roles {
	return &roles{db: db}
}

func (r *roles) Get(ctx context.Context, serviceID, roleID string) (*Role, error) {
	role := &Role{}
	err := r.db.NewSelect().
		Model(role).
		Where("?TableAlias.service_id = ?", serviceID).
		Where("?TableAlias.id = ?", roleID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotFound.Clone().
				WithMetadata(map[string]any{
					"service_id": serviceID,
					"role_id":    roleID,
				})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to get role")
	}
	return role, nil
}

func (r *roles) Create(ctx context.Context, role *Role) (*Role, error) {
	return r.CreateTx(ctx, r.db, role)
}

func (r *roles) CreateTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error) {
	_, err := tx.NewInsert().
		Model(role).
		Exec(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create role")
	}
	return role, nil
}

func (r *roles) RoleForUser(ctx context.Context, userID uuid.UUID, serviceID string) (string, error) {
	return r.RoleForUserTx(ctx, r.db, userID, serviceID)
}

func (r *roles) RoleForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, serviceID string) (string, error) {
	mapping := &UserRoleMapping{}
	err := tx.NewSelect().
		Model(mapping).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.service_id = ?", serviceID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRoleNotFound.Clone().
				WithMetadata(map[string]any{
					"user_id":    userID.String(),
					"service_id": serviceID,
				})
		}
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve user role")
	}
	return mapping.RoleID, nil
}

func (r *roles) Assign(ctx context.Context, mapping *UserRoleMapping) error {
	return r.AssignTx(ctx, r.db, mapping)
}

// AssignTx upserts the (user, service) mapping. A previously unmapped
// (soft-deleted) row is revived instead of duplicated.
func (r *roles) AssignTx(ctx context.Context, tx bun.IDB, mapping *UserRoleMapping) error {
	now := time.Now()
	mapping.UpdatedAt = &now

	role, err := r.Get(ctx, mapping.ServiceID, mapping.RoleID)
	if err != nil {
		return err
	}

	mapping.RoleID = role.ID

	_, err = tx.NewInsert().
		Model(mapping).
		On("CONFLICT (user_id, service_id) DO UPDATE").
		Set("role_id = EXCLUDED.role_id").
		Set("assigned_by = EXCLUDED.assigned_by").
		Set("updated_at = EXCLUDED.updated_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to assign role")
	}
	return nil
}

func (r *roles) Unassign(ctx context.Context, userID uuid.UUID, serviceID string) error {
	_, err := r.db.NewDelete().
		Model((*UserRoleMapping)(nil)).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.service_id = ?", serviceID).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to unassign role")
	}
	return nil
}
