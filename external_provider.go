package idman

import (
	"context"

	"github.com/idmanhq/idman/external"
)

// NewExternalProvider authenticates users through an upstream OAuth2/OIDC
// identity provider. The credential is the upstream ID token obtained by the
// callback handler's code exchange; accounts are matched by verified email.
func NewExternalProvider(client *external.Client, repo RepositoryManager, config Config, logger Logger, opts ...ProviderOption) RedirectingProvider {
	return &externalProvider{
		authProvider: newAuthProvider(externalStrategy{client: client}, repo, config, logger, opts...),
		client:       client,
	}
}

type externalProvider struct {
	*authProvider
	client *external.Client
}

// RedirectionURL starts the upstream handshake. The client session id rides
// in the state parameter and comes back on the callback.
func (p *externalProvider) RedirectionURL(clientSessionID string) string {
	return p.client.AuthCodeURL(clientSessionID)
}

type externalStrategy struct {
	client *external.Client
}

func (externalStrategy) Mode() AuthMode { return AuthModeExternal }

func (s externalStrategy) ResolveUser(ctx context.Context, repo RepositoryManager, credential Credential) (*User, error) {
	cred, ok := credential.(ExternalCredential)
	if !ok {
		return nil, ErrCredentialModeMismatch
	}

	profile, err := s.client.VerifyIDToken(cred.IDToken)
	if err != nil {
		return nil, ErrUserNotFound.Clone().WithMetadata(map[string]any{
			"cause": err.Error(),
		})
	}

	return repo.Users().GetByEmail(ctx, profile.Email)
}

func (s externalStrategy) VerifyCredential(_ context.Context, user *User, credential Credential) error {
	cred, ok := credential.(ExternalCredential)
	if !ok {
		return ErrCredentialModeMismatch
	}

	profile, err := s.client.VerifyIDToken(cred.IDToken)
	if err != nil {
		return ErrAuthenticationFailed
	}

	// The upstream provider vouches for the email; it must match the
	// resolved account and be verified upstream.
	if !profile.EmailVerified || profile.Email != user.Email {
		return ErrAuthenticationFailed
	}

	return nil
}
