package idman

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

type ProvisionUserMessage struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Phone       string   `json:"phone"`
	PhoneRegion string   `json:"phone_region"`
	UserType    UserType `json:"user_type"`
	AuthMode    AuthMode `json:"auth_mode"`
	Password    string   `json:"password"`
	UseHashid   bool
}

func (e ProvisionUserMessage) Type() string { return "user.provision" }

func (e ProvisionUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.EmailFormat),
		validation.Field(&e.DisplayName, validation.Required),
		validation.Field(&e.UserType, validation.Required, validation.In(UserTypeHuman, UserTypeSystem)),
		validation.Field(&e.AuthMode, validation.Required, validation.In(AuthModePassword, AuthModeExternal, AuthModeToken)),
	)
}

type ProvisionUserHandler struct {
	repo RepositoryManager
}

func NewProvisionUserHandler(repo RepositoryManager) *ProvisionUserHandler {
	return &ProvisionUserHandler{repo: repo}
}

func (h *ProvisionUserHandler) Execute(ctx context.Context, event ProvisionUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user provisioning",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *ProvisionUserHandler) execute(ctx context.Context, event ProvisionUserMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid provisioning request")
	}

	user := &User{}
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user.Email = strings.ToLower(strings.TrimSpace(event.Email))
		user.DisplayName = event.DisplayName
		user.UserType = event.UserType
		user.AuthMode = event.AuthMode
		user.AuthStatus = AuthStatusActive

		if event.Phone != "" {
			user.Phone = normalizePhone(event.Phone, event.PhoneRegion)
		}

		switch event.AuthMode {
		case AuthModePassword:
			hash, err := HashPassword(event.Password)
			if err != nil {
				var richErr *goerrors.Error
				if goerrors.As(err, &richErr) {
					return goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
				}
				return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
			}
			user.PasswordHash = hash
		default:
			// External and token accounts never hold a usable password.
			user.PasswordHash = RandomPasswordHash()
		}

		if event.UseHashid {
			if id, err := hashid.NewUUID(user.Email); err == nil {
				user.ID = id
			}
		}

		var err error
		if user, err = h.repo.Users().CreateTx(ctx, tx, user); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create user")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}

		return goerrors.Wrap(err, goerrors.CategoryInternal, "user provisioning transaction failed")
	}

	return nil
}

// normalizePhone stores phone numbers in E.164 when they parse; the raw input
// is kept otherwise rather than rejecting the provisioning.
func normalizePhone(raw, region string) string {
	if region == "" {
		region = "US"
	}

	num, err := phonenumbers.Parse(raw, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return raw
	}

	return phonenumbers.Format(num, phonenumbers.E164)
}
