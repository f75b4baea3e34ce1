package idman

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// NewServiceSecret generates a fresh client secret. It is returned to the
// operator exactly once; only its hash is stored.
func NewServiceSecret() string {
	return uuid.New().String() + uuid.New().String()
}

type ProvisionServiceMessage struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CallbackURL string `json:"callback_url"`
	// Secret is the plaintext client secret to register. Use
	// NewServiceSecret to generate one.
	Secret string `json:"-"`
	// RotateSecret replaces the secret of an existing service instead of
	// failing on the duplicate id.
	RotateSecret bool `json:"rotate_secret"`
}

func (e ProvisionServiceMessage) Type() string { return "service.provision" }

func (e ProvisionServiceMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.ID, validation.Required),
		validation.Field(&e.DisplayName, validation.Required.When(!e.RotateSecret)),
		validation.Field(&e.CallbackURL, validation.Required.When(!e.RotateSecret), is.URL),
		validation.Field(&e.Secret, validation.Required),
	)
}

type ProvisionServiceHandler struct {
	repo RepositoryManager
}

func NewProvisionServiceHandler(repo RepositoryManager) *ProvisionServiceHandler {
	return &ProvisionServiceHandler{repo: repo}
}

func (h *ProvisionServiceHandler) Execute(ctx context.Context, event ProvisionServiceMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during service provisioning",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *ProvisionServiceHandler) execute(ctx context.Context, event ProvisionServiceMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid service provisioning request")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	return h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		hash, err := HashPassword(event.Secret)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash service secret")
		}

		if event.RotateSecret {
			return h.repo.Services().RotateSecretTx(ctx, tx, event.ID, hash)
		}

		_, err = h.repo.Services().CreateTx(ctx, tx, &Service{
			ID:          event.ID,
			DisplayName: event.DisplayName,
			CallbackURL: event.CallbackURL,
			Secret:      hash,
		})
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create service")
		}

		return nil
	})
}
