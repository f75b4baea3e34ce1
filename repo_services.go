package idman

import (
	"context"
	"database/sql"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// Services stores relying-application registrations. Service ids are
// client-chosen strings, so this stays on plain bun rather than the generic
// uuid-keyed repository.
type Services interface {
	Get(ctx context.Context, id string) (*Service, error)
	GetTx(ctx context.Context, tx bun.IDB, id string) (*Service, error)
	Create(ctx context.Context, svc *Service) (*Service, error)
	CreateTx(ctx context.Context, tx bun.IDB, svc *Service) (*Service, error)
	RotateSecret(ctx context.Context, id, secretHash string) error
	RotateSecretTx(ctx context.Context, tx bun.IDB, id, secretHash string) error
	Delete(ctx context.Context, id string) error
}

type services struct {
	db *bun.DB
}

func NewServicesRepository(db *bun.DB) Services {
	return &services{db: db}
}

func (r *services) Get(ctx context.Context, id string) (*Service, error) {
	return r.GetTx(ctx, r.db, id)
}

func (r *services) GetTx(ctx context.Context, tx bun.IDB, id string) (*Service, error) {
	svc := &Service{}
	err := tx.NewSelect().
		Model(svc).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrServiceNotFound.Clone().
				WithMetadata(map[string]any{"service_id": id})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to get service")
	}
	return svc, nil
}

func (r *services) Create(ctx context.Context, svc *Service) (*Service, error) {
	return r.CreateTx(ctx, r.db, svc)
}

func (r *services) CreateTx(ctx context.Context, tx bun.IDB, svc *Service) (*Service, error) {
	_, err := tx.NewInsert().
		Model(svc).
		Exec(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create service")
	}
	return svc, nil
}

func (r *services) RotateSecret(ctx context.Context, id, secretHash string) error {
	return r.RotateSecretTx(ctx, r.db, id, secretHash)
}

func (r *services) RotateSecretTx(ctx context.Context, tx bun.IDB, id, secretHash string) error {
	res, err := tx.NewUpdate().
		Model((*Service)(nil)).
		Set("secret = ?", secretHash).
		Set("updated_at = ?", time.Now()).
		Where("?TableAlias.id = ?", id).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to rotate service secret")
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrServiceNotFound.Clone().
			WithMetadata(map[string]any{"service_id": id})
	}

	return nil
}

func (r *services) Delete(ctx context.Context, id string) error {
	_, err := r.db.NewDelete().
		Model((*Service)(nil)).
		Where("?TableAlias.id = ?", id).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete service")
	}
	return nil
}
