package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/idmanhq/idman"
)

// runAdmin executes the operator-side provisioning commands against the
// configured database.
func runAdmin(command string, args []string) error {
	// Admin commands only need the DSN; the signing key is not required.
	dsn := os.Getenv("IDMAN_DSN")
	if dsn == "" {
		dsn = "file:idman.db?cache=shared&_pragma=foreign_keys(1)"
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return err
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := runMigrations(ctx, db); err != nil {
		return err
	}

	repo := idman.NewRepositoryManager(db, stdLogger{})

	switch command {
	case "provision-user":
		return provisionUser(ctx, repo, args)
	case "provision-service":
		return provisionService(ctx, repo, args)
	case "assign-role":
		return assignRole(ctx, repo, args)
	case "unlock-user":
		return unlockUser(ctx, repo, args)
	case "create-role":
		return createRole(ctx, repo, args)
	case "reset-password-token":
		return resetPasswordToken(ctx, repo, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func provisionUser(ctx context.Context, repo idman.RepositoryManager, args []string) error {
	fs := flag.NewFlagSet("provision-user", flag.ExitOnError)
	email := fs.String("email", "", "user email")
	name := fs.String("name", "", "display name")
	phone := fs.String("phone", "", "phone number")
	userType := fs.String("type", idman.UserTypeHuman, "HUMAN or SYSTEM")
	authMode := fs.String("mode", idman.AuthModePassword, "PASSWORD, EXTERNAL, or TOKEN")
	password := fs.String("password", "", "initial password (PASSWORD mode)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return idman.NewProvisionUserHandler(repo).Execute(ctx, idman.ProvisionUserMessage{
		Email:       *email,
		DisplayName: *name,
		Phone:       *phone,
		UserType:    *userType,
		AuthMode:    *authMode,
		Password:    *password,
		UseHashid:   true,
	})
}

func provisionService(ctx context.Context, repo idman.RepositoryManager, args []string) error {
	fs := flag.NewFlagSet("provision-service", flag.ExitOnError)
	id := fs.String("id", "", "service id (client_id)")
	name := fs.String("name", "", "display name")
	callback := fs.String("callback", "", "callback URL")
	rotate := fs.Bool("rotate", false, "rotate the secret of an existing service")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := idman.NewServiceSecret()

	err := idman.NewProvisionServiceHandler(repo).Execute(ctx, idman.ProvisionServiceMessage{
		ID:           *id,
		DisplayName:  *name,
		CallbackURL:  *callback,
		Secret:       secret,
		RotateSecret: *rotate,
	})
	if err != nil {
		return err
	}

	// Shown once; only the hash is stored.
	fmt.Printf("service %s secret: %s\n", *id, secret)
	return nil
}

func createRole(ctx context.Context, repo idman.RepositoryManager, args []string) error {
	fs := flag.NewFlagSet("create-role", flag.ExitOnError)
	serviceID := fs.String("service", "", "service id")
	roleID := fs.String("role", "", "role id")
	description := fs.String("description", "", "role description")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, err := repo.Roles().Create(ctx, &idman.Role{
		ServiceID:   *serviceID,
		ID:          *roleID,
		Description: *description,
	})
	return err
}

func assignRole(ctx context.Context, repo idman.RepositoryManager, args []string) error {
	fs := flag.NewFlagSet("assign-role", flag.ExitOnError)
	userID := fs.String("user", "", "user id")
	serviceID := fs.String("service", "", "service id")
	roleID := fs.String("role", "", "role id")
	assignedBy := fs.String("by", "admin", "assigning actor")
	if err := fs.Parse(args); err != nil {
		return err
	}

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	return idman.NewAssignRoleHandler(repo).Execute(ctx, idman.AssignRoleMessage{
		UserID:     uid,
		ServiceID:  *serviceID,
		RoleID:     *roleID,
		AssignedBy: *assignedBy,
	})
}

func resetPasswordToken(ctx context.Context, repo idman.RepositoryManager, args []string) error {
	fs := flag.NewFlagSet("reset-password-token", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	signingKey := os.Getenv("IDMAN_SIGNING_KEY")
	if signingKey == "" {
		return fmt.Errorf("IDMAN_SIGNING_KEY is required to mint reset tokens")
	}
	issuer := os.Getenv("IDMAN_ISSUER")
	if issuer == "" {
		issuer = "idman"
	}

	codec := idman.NewTokenCodec([]byte(signingKey), issuer, stdLogger{})

	return idman.NewInitializePasswordResetHandler(repo, codec).Execute(ctx, idman.InitializePasswordResetMessage{
		Email: *email,
		OnResponse: func(resp *idman.InitializePasswordResetResponse) {
			if resp.ResetToken == "" {
				fmt.Println("no reset token issued")
				return
			}
			fmt.Printf("reset token (valid until %s): %s\n", resp.ExpiresAt.Format(time.RFC3339), resp.ResetToken)
		},
	})
}

func unlockUser(ctx context.Context, repo idman.RepositoryManager, args []string) error {
	fs := flag.NewFlagSet("unlock-user", flag.ExitOnError)
	userID := fs.String("user", "", "user id")
	password := fs.String("password", "", "replacement password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	return idman.NewUnlockUserHandler(repo).Execute(ctx, idman.UnlockUserMessage{
		UserID:      uid,
		NewPassword: *password,
	})
}
