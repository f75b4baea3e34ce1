package idman

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// NewLocalVerifier validates tokens in-process. It is what the issuer's own
// endpoints and co-located services use.
func NewLocalVerifier(tokens TokenIssuer) TokenVerifier {
	return &localVerifier{tokens: tokens}
}

type localVerifier struct {
	tokens TokenIssuer
}

func (v *localVerifier) Validate(ctx context.Context, serviceID, token string) (*Identity, error) {
	return v.tokens.TranslateToken(ctx, serviceID, token)
}

// RemoteVerifier validates tokens against a remote issuer's check endpoint.
// Relying services embed it and authenticate with their service secret.
type RemoteVerifier struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     Logger
}

// NewRemoteVerifier builds a verifier for the issuer at baseURL. The secret
// is the relying service's own client secret.
func NewRemoteVerifier(baseURL, secret string, logger Logger) *RemoteVerifier {
	if logger == nil {
		logger = defLogger{}
	}
	return &RemoteVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithHTTPClient replaces the default HTTP client.
func (v *RemoteVerifier) WithHTTPClient(client *http.Client) *RemoteVerifier {
	v.httpClient = client
	return v
}

// Validate implements TokenVerifier over the check endpoint.
func (v *RemoteVerifier) Validate(ctx context.Context, serviceID, token string) (*Identity, error) {
	form := url.Values{}
	form.Set("token", token)

	endpoint := v.baseURL + "/auth/check/v1/" + url.PathEscape(serviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to build check request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+v.secret)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "token check request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to read check response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		identity := &Identity{}
		if err := json.Unmarshal(body, identity); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "invalid check response")
		}
		return identity, nil
	case http.StatusUnauthorized:
		v.logger.Warn("remote token check rejected", "service_id", serviceID)
		return nil, ErrTokenInvalid
	default:
		return nil, goerrors.New("unexpected check response", goerrors.CategoryOperation).
			WithTextCode("CHECK_FAILED").
			WithMetadata(map[string]any{
				"status": resp.StatusCode,
			})
	}
}
