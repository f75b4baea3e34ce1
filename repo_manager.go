package idman

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Users() Users
	Services() Services
	Roles() Roles
	Sessions() *CompositeSessionStore
}

type mngr struct {
	db       *bun.DB
	users    Users
	services Services
	roles    Roles
	sessions *CompositeSessionStore
}

func NewRepositoryManager(db *bun.DB, logger Logger) RepositoryManager {
	return &mngr{
		db:       db,
		users:    NewUsersRepository(db),
		services: NewServicesRepository(db),
		roles:    NewRolesRepository(db),
		sessions: NewCompositeSessionStore(
			NewDynamicSessionStore(db, logger),
			NewStaticSessionStore(db, logger),
		),
	}
}

func (m mngr) Validate() error {
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.services == nil {
		return errors.New("repository services should be initialized")
	}

	if m.roles == nil {
		return errors.New("repository roles should be initialized")
	}

	if m.sessions == nil {
		return errors.New("session stores should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Services() Services {
	return m.services
}

func (m mngr) Roles() Roles {
	return m.roles
}

func (m mngr) Sessions() *CompositeSessionStore {
	return m.sessions
}
