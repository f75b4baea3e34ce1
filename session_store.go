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

// NewDynamicSessionStore persists expiring login sessions. Duplicate session
// ids are resolved idempotently: the existing row is fetched and returned, so
// client-retried logins converge on one session.
func NewDynamicSessionStore(db *bun.DB, logger Logger) SessionStore {
	if logger == nil {
		logger = defLogger{}
	}
	return &dynamicSessionStore{db: db, logger: logger}
}

type dynamicSessionStore struct {
	db     *bun.DB
	logger Logger
}

func (s *dynamicSessionStore) Kind() SessionKind { return SessionKindDynamic }

func (s *dynamicSessionStore) Create(ctx context.Context, rec SessionRecord) (*Session, error) {
	if rec.ExpiresAt == nil {
		return nil, ErrSessionExpiryRequired
	}

	model := &DynamicSession{
		ID:              rec.ID,
		UserID:          rec.UserID,
		ServiceID:       rec.ServiceID,
		ClientSessionID: rec.ClientSessionID,
		ExpiresAt:       *rec.ExpiresAt,
	}

	res, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create dynamic session")
	}

	if affected, _ := res.RowsAffected(); affected > 0 {
		return model.Session(), nil
	}

	existing := &DynamicSession{}
	err = s.db.NewSelect().
		Model(existing).
		Where("?TableAlias.id = ?", rec.ID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The id is taken by a soft-deleted row; it cannot be revived.
			return nil, ErrDuplicateSession.Clone().
				WithMetadata(map[string]any{"session_id": rec.ID.String()})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load existing dynamic session")
	}

	s.logger.Debug("dynamic session create resolved to existing row", "session_id", rec.ID)
	return existing.Session(), nil
}

func (s *dynamicSessionStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	model := &DynamicSession{}
	err := s.db.NewSelect().
		Model(model).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to get dynamic session")
	}

	// Expired rows are returned on purpose; callers enforce expiry.
	return model.Session(), nil
}

func (s *dynamicSessionStore) SessionsForUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	var models []DynamicSession
	err := s.db.NewSelect().
		Model(&models).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.expires_at > ?", time.Now()).
		OrderExpr("?TableAlias.updated_at DESC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list dynamic sessions")
	}

	sessions := make([]*Session, len(models))
	for i := range models {
		sessions[i] = models[i].Session()
	}
	return sessions, nil
}

func (s *dynamicSessionStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.NewDelete().
		Model((*DynamicSession)(nil)).
		Where("?TableAlias.id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete dynamic session")
	}

	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// NewStaticSessionStore persists standing system-account sessions. Static
// session ids must be generated fresh: a duplicate id is a hard conflict,
// never an idempotent fetch.
func NewStaticSessionStore(db *bun.DB, logger Logger) SessionStore {
	if logger == nil {
		logger = defLogger{}
	}
	return &staticSessionStore{db: db, logger: logger}
}

type staticSessionStore struct {
	db     *bun.DB
	logger Logger
}

func (s *staticSessionStore) Kind() SessionKind { return SessionKindStatic }

func (s *staticSessionStore) Create(ctx context.Context, rec SessionRecord) (*Session, error) {
	if rec.ExpiresAt != nil {
		return nil, ErrSessionExpiryForbidden
	}

	model := &StaticSession{
		ID:              rec.ID,
		UserID:          rec.UserID,
		ServiceID:       rec.ServiceID,
		ClientSessionID: rec.ClientSessionID,
	}

	res, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create static session")
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrDuplicateSession.Clone().
			WithMetadata(map[string]any{"session_id": rec.ID.String()})
	}

	return model.Session(), nil
}

func (s *staticSessionStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	model := &StaticSession{}
	err := s.db.NewSelect().
		Model(model).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to get static session")
	}

	return model.Session(), nil
}

func (s *staticSessionStore) SessionsForUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	var models []StaticSession
	err := s.db.NewSelect().
		Model(&models).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.updated_at DESC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list static sessions")
	}

	sessions := make([]*Session, len(models))
	for i := range models {
		sessions[i] = models[i].Session()
	}
	return sessions, nil
}

func (s *staticSessionStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.NewDelete().
		Model((*StaticSession)(nil)).
		Where("?TableAlias.id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete static session")
	}

	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CompositeSessionStore dispatches by session kind and resolves lookups that
// arrive without one (token translation only knows a session id).
type CompositeSessionStore struct {
	dynamic SessionStore
	static  SessionStore
}

// NewCompositeSessionStore wires the two kind-specific stores behind one facade.
func NewCompositeSessionStore(dynamic, static SessionStore) *CompositeSessionStore {
	return &CompositeSessionStore{dynamic: dynamic, static: static}
}

// StoreFor returns the store handling the given kind.
func (c *CompositeSessionStore) StoreFor(kind SessionKind) (SessionStore, error) {
	switch kind {
	case SessionKindDynamic:
		return c.dynamic, nil
	case SessionKindStatic:
		return c.static, nil
	default:
		return nil, goerrors.New("unknown session kind", goerrors.CategoryValidation).
			WithTextCode("UNKNOWN_SESSION_KIND").
			WithMetadata(map[string]any{"kind": kind})
	}
}

// Create dispatches creation to the store for rec's kind.
func (c *CompositeSessionStore) Create(ctx context.Context, kind SessionKind, rec SessionRecord) (*Session, error) {
	store, err := c.StoreFor(kind)
	if err != nil {
		return nil, err
	}
	return store.Create(ctx, rec)
}

// Get looks the id up in the dynamic store first, then the static one.
func (c *CompositeSessionStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	session, err := c.dynamic.Get(ctx, id)
	if err == nil {
		return session, nil
	}
	if !goerrors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return c.static.Get(ctx, id)
}

// SessionsForUser merges live sessions of both kinds, dynamic first.
func (c *CompositeSessionStore) SessionsForUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	dynamic, err := c.dynamic.SessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	static, err := c.static.SessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return append(dynamic, static...), nil
}

// Delete soft-deletes the session wherever it lives. It reports false when
// no live row was found in either store.
func (c *CompositeSessionStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	deleted, err := c.dynamic.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		return true, nil
	}
	return c.static.Delete(ctx, id)
}
