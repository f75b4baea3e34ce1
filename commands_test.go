package idman_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmanhq/idman"
)

func TestProvisionUser(t *testing.T) {
	ctx := context.Background()

	t.Run("password account", func(t *testing.T) {
		repo := setupTestRepo(t)
		handler := idman.NewProvisionUserHandler(repo)

		err := handler.Execute(ctx, idman.ProvisionUserMessage{
			Email:       "Ada@Example.com",
			DisplayName: "Ada",
			Phone:       "650-253-0000",
			UserType:    idman.UserTypeHuman,
			AuthMode:    idman.AuthModePassword,
			Password:    "correct horse battery",
			UseHashid:   true,
		})
		require.NoError(t, err)

		user, err := repo.Users().GetByEmail(ctx, "ada@example.com")
		require.NoError(t, err)

		assert.Equal(t, "ada@example.com", user.Email)
		assert.Equal(t, idman.AuthStatusActive, user.AuthStatus)
		assert.Equal(t, "+16502530000", user.Phone)
		assert.NoError(t, idman.ComparePasswordAndHash("correct horse battery", user.PasswordHash))

		// Hashid ids are deterministic on the email.
		expected, err := hashid.NewUUID("ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, expected, user.ID)
	})

	t.Run("external account gets an unusable password", func(t *testing.T) {
		repo := setupTestRepo(t)
		handler := idman.NewProvisionUserHandler(repo)

		err := handler.Execute(ctx, idman.ProvisionUserMessage{
			Email:       "ext@example.com",
			DisplayName: "Ext",
			UserType:    idman.UserTypeHuman,
			AuthMode:    idman.AuthModeExternal,
		})
		require.NoError(t, err)

		user, err := repo.Users().GetByEmail(ctx, "ext@example.com")
		require.NoError(t, err)
		assert.NotEmpty(t, user.PasswordHash)
		assert.Error(t, idman.ComparePasswordAndHash("", user.PasswordHash))
	})

	t.Run("rejects malformed requests", func(t *testing.T) {
		repo := setupTestRepo(t)
		handler := idman.NewProvisionUserHandler(repo)

		err := handler.Execute(ctx, idman.ProvisionUserMessage{
			Email:       "not-an-email",
			DisplayName: "Nope",
			UserType:    idman.UserTypeHuman,
			AuthMode:    idman.AuthModePassword,
			Password:    "irrelevant",
		})
		assert.Error(t, err)

		err = handler.Execute(ctx, idman.ProvisionUserMessage{
			Email:       "ok@example.com",
			DisplayName: "Nope",
			UserType:    "ROBOT",
			AuthMode:    idman.AuthModePassword,
			Password:    "irrelevant",
		})
		assert.Error(t, err)
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig()

	t.Run("rotates the credential", func(t *testing.T) {
		repo := setupTestRepo(t)
		user := createTestUser(t, repo, "ada@example.com", "old password 1", idman.UserTypeHuman)
		createTestService(t, repo, "svc-web", "svc-secret")

		var recorded []idman.ActivityEvent
		sink := idman.ActivitySinkFunc(func(_ context.Context, event idman.ActivityEvent) error {
			recorded = append(recorded, event)
			return nil
		})

		err := idman.NewChangePasswordHandler(repo).
			WithActivitySink(sink).
			WithLogger(testLogger{t}).
			Execute(ctx, idman.ChangePasswordMessage{
				UserID:          user.ID,
				CurrentPassword: "old password 1",
				NewPassword:     "new password 2",
			})
		require.NoError(t, err)

		provider := idman.NewPasswordProvider(repo, cfg, testLogger{t})
		_, err = provider.Login(ctx, idman.PasswordCredential{
			Email:    "ada@example.com",
			Password: "new password 2",
		}, "svc-web", nil)
		require.NoError(t, err)

		require.Len(t, recorded, 1)
		assert.Equal(t, idman.ActivityEventPasswordChanged, recorded[0].EventType)
		assert.Equal(t, user.ID.String(), recorded[0].UserID)
	})

	t.Run("wrong current password is refused", func(t *testing.T) {
		repo := setupTestRepo(t)
		user := createTestUser(t, repo, "ada@example.com", "old password 1", idman.UserTypeHuman)

		err := idman.NewChangePasswordHandler(repo).Execute(ctx, idman.ChangePasswordMessage{
			UserID:          user.ID,
			CurrentPassword: "not it",
			NewPassword:     "new password 2",
		})
		assert.ErrorIs(t, err, idman.ErrAuthenticationFailed)
	})

	t.Run("reopens an expired credential", func(t *testing.T) {
		repo := setupTestRepo(t)
		user := createTestUser(t, repo, "ada@example.com", "old password 1", idman.UserTypeHuman)

		_, err := repo.Users().UpdateAuthStatus(ctx, user.ID, idman.AuthStatusExpired)
		require.NoError(t, err)

		err = idman.NewChangePasswordHandler(repo).Execute(ctx, idman.ChangePasswordMessage{
			UserID:          user.ID,
			CurrentPassword: "old password 1",
			NewPassword:     "new password 2",
		})
		require.NoError(t, err)

		refreshed, err := repo.Users().GetByID(ctx, user.ID.String())
		require.NoError(t, err)
		assert.Equal(t, idman.AuthStatusActive, refreshed.AuthStatus)
		assert.Equal(t, 0, refreshed.FailedAttempts)
	})
}

func TestUnlockUser(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig()

	repo := setupTestRepo(t)
	user := createTestUser(t, repo, "ada@example.com", "old password 1", idman.UserTypeHuman)
	createTestService(t, repo, "svc-web", "svc-secret")

	provider := idman.NewPasswordProvider(repo, cfg, testLogger{t})
	for i := 0; i < idman.MaxFailedLoginAttempts; i++ {
		_, err := provider.Login(ctx, idman.PasswordCredential{
			Email:    "ada@example.com",
			Password: "wrong",
		}, "svc-web", nil)
		assert.ErrorIs(t, err, idman.ErrAuthenticationFailed)
	}

	err := idman.NewUnlockUserHandler(repo).Execute(ctx, idman.UnlockUserMessage{
		UserID:      user.ID,
		NewPassword: "fresh password 9",
	})
	require.NoError(t, err)

	refreshed, err := repo.Users().GetByID(ctx, user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, idman.AuthStatusActive, refreshed.AuthStatus)
	assert.Equal(t, 0, refreshed.FailedAttempts)

	_, err = provider.Login(ctx, idman.PasswordCredential{
		Email:    "ada@example.com",
		Password: "fresh password 9",
	}, "svc-web", nil)
	require.NoError(t, err)
}

func TestProvisionService(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	handler := idman.NewProvisionServiceHandler(repo)

	secret := idman.NewServiceSecret()

	err := handler.Execute(ctx, idman.ProvisionServiceMessage{
		ID:          "svc-web",
		DisplayName: "Web App",
		CallbackURL: "https://app.example.com/callback",
		Secret:      secret,
	})
	require.NoError(t, err)

	svc, err := repo.Services().Get(ctx, "svc-web")
	require.NoError(t, err)
	assert.Equal(t, "Web App", svc.DisplayName)
	assert.NoError(t, idman.ComparePasswordAndHash(secret, svc.Secret))

	t.Run("rotate replaces the secret", func(t *testing.T) {
		rotated := idman.NewServiceSecret()

		err := handler.Execute(ctx, idman.ProvisionServiceMessage{
			ID:           "svc-web",
			Secret:       rotated,
			RotateSecret: true,
		})
		require.NoError(t, err)

		svc, err := repo.Services().Get(ctx, "svc-web")
		require.NoError(t, err)
		assert.NoError(t, idman.ComparePasswordAndHash(rotated, svc.Secret))
		assert.Error(t, idman.ComparePasswordAndHash(secret, svc.Secret))
	})

	t.Run("rotate on an unknown service fails", func(t *testing.T) {
		err := handler.Execute(ctx, idman.ProvisionServiceMessage{
			ID:           "svc-nope",
			Secret:       idman.NewServiceSecret(),
			RotateSecret: true,
		})
		assert.Error(t, err)
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig()

	newCodec := func(t *testing.T) idman.TokenCodec {
		return idman.NewTokenCodec([]byte(cfg.GetSigningKey()), cfg.GetIssuer(), testLogger{t})
	}

	t.Run("issued token resets the password and reopens the account", func(t *testing.T) {
		repo := setupTestRepo(t)
		codec := newCodec(t)
		user := createTestUser(t, repo, "ada@example.com", "old password 1", idman.UserTypeHuman)
		createTestService(t, repo, "svc-web", "svc-secret")

		_, err := repo.Users().UpdateAuthStatus(ctx, user.ID, idman.AuthStatusExpired)
		require.NoError(t, err)

		var resp *idman.InitializePasswordResetResponse
		err = idman.NewInitializePasswordResetHandler(repo, codec).
			WithLogger(testLogger{t}).
			Execute(ctx, idman.InitializePasswordResetMessage{
				Email:      "ada@example.com",
				OnResponse: func(r *idman.InitializePasswordResetResponse) { resp = r },
			})
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.True(t, resp.Success)
		require.NotEmpty(t, resp.ResetToken)

		err = idman.NewFinalizePasswordResetHandler(repo, codec).
			WithLogger(testLogger{t}).
			Execute(ctx, idman.FinalizePasswordResetMessage{
				ResetToken:  resp.ResetToken,
				NewPassword: "brand new pass 3",
			})
		require.NoError(t, err)

		refreshed, err := repo.Users().GetByID(ctx, user.ID.String())
		require.NoError(t, err)
		assert.Equal(t, idman.AuthStatusActive, refreshed.AuthStatus)

		provider := idman.NewPasswordProvider(repo, cfg, testLogger{t})
		_, err = provider.Login(ctx, idman.PasswordCredential{
			Email:    "ada@example.com",
			Password: "brand new pass 3",
		}, "svc-web", nil)
		require.NoError(t, err)
	})

	t.Run("unknown email succeeds without a token", func(t *testing.T) {
		repo := setupTestRepo(t)

		var resp *idman.InitializePasswordResetResponse
		err := idman.NewInitializePasswordResetHandler(repo, newCodec(t)).
			Execute(ctx, idman.InitializePasswordResetMessage{
				Email:      "nobody@example.com",
				OnResponse: func(r *idman.InitializePasswordResetResponse) { resp = r },
			})
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.True(t, resp.Success)
		assert.Empty(t, resp.ResetToken)
	})

	t.Run("garbage token is refused", func(t *testing.T) {
		repo := setupTestRepo(t)

		err := idman.NewFinalizePasswordResetHandler(repo, newCodec(t)).
			Execute(ctx, idman.FinalizePasswordResetMessage{
				ResetToken:  "not.a.token",
				NewPassword: "brand new pass 3",
			})
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})

	t.Run("access tokens cannot be redeemed as reset tokens", func(t *testing.T) {
		repo := setupTestRepo(t)
		codec := newCodec(t)
		user := createTestUser(t, repo, "ada@example.com", "old password 1", idman.UserTypeHuman)
		createTestService(t, repo, "svc-web", "svc-secret")

		tokens := idman.NewTokenManager(repo, codec, cfg, testLogger{t})
		session := createTestSession(t, repo, idman.SessionKindDynamic, user.ID, "svc-web",
			timePtr(time.Now().Add(time.Hour)))

		info, err := tokens.GenerateTokenForSession(ctx, "svc-web", session.ID, idman.SessionKindDynamic)
		require.NoError(t, err)

		err = idman.NewFinalizePasswordResetHandler(repo, codec).
			Execute(ctx, idman.FinalizePasswordResetMessage{
				ResetToken:  info.Token,
				NewPassword: "brand new pass 3",
			})
		assert.ErrorIs(t, err, idman.ErrTokenInvalid)
	})
}

func TestAuthStatusTransitions(t *testing.T) {
	ctx := context.Background()

	assert.True(t, idman.CanTransitionStatus(idman.AuthStatusActive, idman.AuthStatusLocked))
	assert.True(t, idman.CanTransitionStatus(idman.AuthStatusActive, idman.AuthStatusExpired))
	assert.True(t, idman.CanTransitionStatus(idman.AuthStatusLocked, idman.AuthStatusActive))
	assert.True(t, idman.CanTransitionStatus(idman.AuthStatusExpired, idman.AuthStatusActive))
	assert.True(t, idman.CanTransitionStatus(idman.AuthStatusActive, idman.AuthStatusActive))
	assert.False(t, idman.CanTransitionStatus(idman.AuthStatusLocked, idman.AuthStatusExpired))

	repo := setupTestRepo(t)
	user := createTestUser(t, repo, "ada@example.com", "old password 1", idman.UserTypeHuman)

	_, err := repo.Users().UpdateAuthStatus(ctx, user.ID, idman.AuthStatusLocked)
	require.NoError(t, err)

	// A locked account cannot quietly expire; it must be reset first.
	_, err = repo.Users().UpdateAuthStatus(ctx, user.ID, idman.AuthStatusExpired)
	assert.ErrorIs(t, err, idman.ErrInvalidStatusTransition)
}

func TestLoginActivityEvents(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig()
	repo := setupTestRepo(t)

	createTestUser(t, repo, "ada@example.com", "correct horse battery", idman.UserTypeHuman)
	createTestService(t, repo, "svc-web", "svc-secret")

	var events []idman.ActivityEvent
	sink := idman.ActivitySinkFunc(func(_ context.Context, event idman.ActivityEvent) error {
		events = append(events, event)
		return nil
	})

	provider := idman.NewPasswordProvider(repo, cfg, testLogger{t}, idman.WithActivitySink(sink))

	_, err := provider.Login(ctx, idman.PasswordCredential{
		Email:    "ada@example.com",
		Password: "wrong",
	}, "svc-web", nil)
	assert.ErrorIs(t, err, idman.ErrAuthenticationFailed)

	_, err = provider.Login(ctx, idman.PasswordCredential{
		Email:    "ada@example.com",
		Password: "correct horse battery",
	}, "svc-web", nil)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, idman.ActivityEventLoginFailure, events[0].EventType)
	assert.Equal(t, idman.ActivityEventLoginSuccess, events[1].EventType)
	assert.Equal(t, "svc-web", events[1].ServiceID)
	assert.Equal(t, idman.AuthModePassword, events[1].AuthMode)
}
