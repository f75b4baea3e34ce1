package idman_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/idmanhq/idman"
)

type testConfig struct {
	signingKey      string
	issuer          string
	tokenDomain     string
	sessionDuration time.Duration
	loginURL        string
}

func newTestConfig() testConfig {
	return testConfig{
		signingKey:      "test-signing-key",
		issuer:          "idman-test",
		tokenDomain:     "idman.tokens",
		sessionDuration: time.Hour,
		loginURL:        "https://idp.example.com/login",
	}
}

func (c testConfig) GetSigningKey() string             { return c.signingKey }
func (c testConfig) GetIssuer() string                 { return c.issuer }
func (c testConfig) GetTokenDomain() string            { return c.tokenDomain }
func (c testConfig) GetSessionDuration() time.Duration { return c.sessionDuration }
func (c testConfig) GetLoginURL() string               { return c.loginURL }

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(format string, args ...any) { l.t.Logf("[DBG] "+format, args...) }
func (l testLogger) Info(format string, args ...any)  { l.t.Logf("[INF] "+format, args...) }
func (l testLogger) Warn(format string, args ...any)  { l.t.Logf("[WRN] "+format, args...) }
func (l testLogger) Error(format string, args ...any) { l.t.Logf("[ERR] "+format, args...) }

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared&_pragma=foreign_keys(1)")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	models := []any{
		(*idman.User)(nil),
		(*idman.Service)(nil),
		(*idman.Role)(nil),
		(*idman.UserRoleMapping)(nil),
		(*idman.DynamicSession)(nil),
		(*idman.StaticSession)(nil),
	}
	for _, model := range models {
		_, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		require.NoError(t, err)
	}

	return db
}

func setupTestRepo(t *testing.T) idman.RepositoryManager {
	t.Helper()
	repo := idman.NewRepositoryManager(setupTestDB(t), testLogger{t})
	repo.MustValidate()
	return repo
}

func createTestUser(t *testing.T, repo idman.RepositoryManager, email, password string, userType idman.UserType) *idman.User {
	t.Helper()

	user := &idman.User{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: "Test User",
		UserType:    userType,
		AuthMode:    idman.AuthModePassword,
		AuthStatus:  idman.AuthStatusActive,
	}

	if password != "" {
		hash, err := idman.HashPassword(password)
		require.NoError(t, err)
		user.PasswordHash = hash
	}

	created, err := repo.Users().Create(context.Background(), user)
	require.NoError(t, err)
	return created
}

func createTestService(t *testing.T, repo idman.RepositoryManager, id, secret string) *idman.Service {
	t.Helper()

	hash, err := idman.HashPassword(secret)
	require.NoError(t, err)

	svc, err := repo.Services().Create(context.Background(), &idman.Service{
		ID:          id,
		DisplayName: "Test Service",
		CallbackURL: "https://app.example.com/callback",
		Secret:      hash,
	})
	require.NoError(t, err)
	return svc
}

func createTestSession(t *testing.T, repo idman.RepositoryManager, kind idman.SessionKind, userID uuid.UUID, serviceID string, expiresAt *time.Time) *idman.Session {
	t.Helper()

	session, err := repo.Sessions().Create(context.Background(), kind, idman.SessionRecord{
		ID:        uuid.New(),
		UserID:    userID,
		ServiceID: serviceID,
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	return session
}

func timePtr(t time.Time) *time.Time {
	return &t
}
