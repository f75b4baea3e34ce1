package idman

import (
	"context"
	"database/sql"
	"strings"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TrackFailedLoginSQL bumps the consecutive-failure counter and flips the
// account to LOCKED when the threshold is reached, in one statement, so the
// counter is durable even when the surrounding login errors out.
var TrackFailedLoginSQL = `UPDATE "users" AS "usr"
SET
	"failed_attempts" = "failed_attempts" + 1,
	"auth_status" = CASE
		WHEN "failed_attempts" + 1 >= ? THEN 'LOCKED'
		ELSE "auth_status"
	END,
	"updated_at" = CURRENT_TIMESTAMP
WHERE
	"usr"."deleted_at" IS NULL
AND (
	"usr"."id" = ?
) RETURNING *;`

var ResetFailedLoginsSQL = `UPDATE "users" AS "usr"
SET
	"failed_attempts" = 0,
	"updated_at" = CURRENT_TIMESTAMP
WHERE
	"usr"."deleted_at" IS NULL
AND (
	"usr"."id" = ?
) RETURNING *;`

// ResetUserPasswordSQL swaps the credential and reopens the account: a reset
// clears the lockout counter and any LOCKED or EXPIRED status.
var ResetUserPasswordSQL = `UPDATE "users" AS "usr"
SET
	"password_hash" = ?,
	"failed_attempts" = 0,
	"auth_status" = 'ACTIVE',
	"updated_at" = CURRENT_TIMESTAMP
WHERE
	"usr"."deleted_at" IS NULL
AND (
	"usr"."id" = ?
) RETURNING *;`

type Users interface {
	repository.Repository[*User]

	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)

	TrackFailedLogin(ctx context.Context, id uuid.UUID) error
	TrackFailedLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	ResetFailedLogins(ctx context.Context, id uuid.UUID) error
	ResetFailedLoginsTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error

	UpdateAuthStatus(ctx context.Context, id uuid.UUID, status AuthStatus) (*User, error)
	UpdateAuthStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status AuthStatus) (*User, error)

	ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
}

type users struct {
	repository.Repository[*User]
	db *bun.DB
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &users{
		Repository: repo,
		db:         db,
	}
}

func (a *users) Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *users) CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	record.EnsureStatus()
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *users) GetByEmail(ctx context.Context, email string) (*User, error) {
	return a.GetByEmailTx(ctx, a.db, email)
}

func (a *users) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	return a.GetByIdentifierTx(ctx, tx, strings.ToLower(strings.TrimSpace(email)))
}

func (a *users) TrackFailedLogin(ctx context.Context, id uuid.UUID) error {
	return a.TrackFailedLoginTx(ctx, a.db, id)
}

func (a *users) TrackFailedLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	res, err := a.Repository.RawTx(ctx, tx, TrackFailedLoginSQL, MaxFailedLoginAttempts, id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

func (a *users) ResetFailedLogins(ctx context.Context, id uuid.UUID) error {
	return a.ResetFailedLoginsTx(ctx, a.db, id)
}

func (a *users) ResetFailedLoginsTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	res, err := a.Repository.RawTx(ctx, tx, ResetFailedLoginsSQL, id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

func (a *users) UpdateAuthStatus(ctx context.Context, id uuid.UUID, status AuthStatus) (*User, error) {
	return a.UpdateAuthStatusTx(ctx, a.db, id, status)
}

func (a *users) UpdateAuthStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status AuthStatus) (*User, error) {
	current := &User{}
	if err := tx.NewSelect().
		Model(current).
		Where("?TableAlias.id = ?", id.String()).
		Limit(1).
		Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound.Clone().WithMetadata(map[string]any{
				"id": id.String(),
			})
		}
		return nil, err
	}

	if err := ValidateStatusTransition(current.AuthStatus, status); err != nil {
		return nil, err
	}

	return a.Repository.UpdateTx(ctx, tx, &User{
		ID:         id,
		AuthStatus: status,
	}, repository.UpdateByID(id.String()))
}

func (a *users) ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return a.ResetPasswordTx(ctx, a.db, id, passwordHash)
}

func (a *users) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	res, err := a.Repository.RawTx(ctx, tx, ResetUserPasswordSQL, passwordHash, id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}
