package idman

import (
	goerrors "github.com/goliatone/go-errors"
)

// ErrTokenInvalid is the single outcome surfaced for any verification
// failure: bad signature, wrong issuer, wrong audience, malformed payload.
// The specific reason is logged, never returned.
var ErrTokenInvalid = goerrors.New("invalid token", goerrors.CategoryAuth).
	WithTextCode("TOKEN_INVALID")

// ErrTokenExpired is folded into ErrTokenInvalid at API boundaries but kept
// distinct internally so expiry can be logged and tested for.
var ErrTokenExpired = goerrors.New("token expired", goerrors.CategoryAuth).
	WithTextCode("TOKEN_EXPIRED")

// ErrAuthenticationFailed covers every credential rejection, including
// attempts against locked or missing accounts, so callers cannot distinguish
// them.
var ErrAuthenticationFailed = goerrors.New("authentication failed", goerrors.CategoryAuth).
	WithTextCode("AUTHENTICATION_FAILED")

// ErrAccountLocked is the internal marker for a lockout rejection. It is
// mapped to ErrAuthenticationFailed before leaving the package.
var ErrAccountLocked = goerrors.New("account locked", goerrors.CategoryAuth).
	WithTextCode("ACCOUNT_LOCKED")

// ErrCredentialExpired means the password verified but must be changed
// before a session is issued.
var ErrCredentialExpired = goerrors.New("credential expired", goerrors.CategoryAuth).
	WithTextCode("CREDENTIAL_EXPIRED")

// ErrCredentialModeMismatch is a programming-error guard: a provider was
// handed a credential of another mode.
var ErrCredentialModeMismatch = goerrors.New("credential mode does not match provider", goerrors.CategoryInternal).
	WithTextCode("CREDENTIAL_MODE_MISMATCH")

// ErrDuplicateSession is returned by the static store when a session id is
// reused. The dynamic store resolves duplicates idempotently instead.
var ErrDuplicateSession = goerrors.New("session id already exists", goerrors.CategoryConflict).
	WithTextCode("DUPLICATE_SESSION").
	WithCode(goerrors.CodeConflict)

// ErrSessionExpiryRequired rejects dynamic sessions created without an expiry.
var ErrSessionExpiryRequired = goerrors.New("dynamic session requires an expiry", goerrors.CategoryValidation).
	WithTextCode("SESSION_EXPIRY_REQUIRED").
	WithCode(goerrors.CodeBadRequest)

// ErrSessionExpiryForbidden rejects static sessions created with an expiry.
var ErrSessionExpiryForbidden = goerrors.New("static session must not have an expiry", goerrors.CategoryValidation).
	WithTextCode("SESSION_EXPIRY_FORBIDDEN").
	WithCode(goerrors.CodeBadRequest)

// ErrUserTypeMismatch rejects HUMAN users asking for static sessions and
// SYSTEM users asking for dynamic ones.
var ErrUserTypeMismatch = goerrors.New("user type does not allow this session kind", goerrors.CategoryValidation).
	WithTextCode("USER_TYPE_MISMATCH").
	WithCode(goerrors.CodeBadRequest)

// ErrUserNotFound covers absent and soft-deleted users.
var ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
	WithTextCode("USER_NOT_FOUND")

// ErrServiceNotFound covers absent and soft-deleted services.
var ErrServiceNotFound = goerrors.New("service not found", goerrors.CategoryNotFound).
	WithTextCode("SERVICE_NOT_FOUND")

// ErrRoleNotFound means the user holds no role for the service. Token
// issuance treats this as an empty role, not a failure.
var ErrRoleNotFound = goerrors.New("role not found", goerrors.CategoryNotFound).
	WithTextCode("ROLE_NOT_FOUND")

// ErrSessionNotFound covers absent, soft-deleted, and service-mismatched
// sessions during translation.
var ErrSessionNotFound = goerrors.New("session not found", goerrors.CategoryNotFound).
	WithTextCode("SESSION_NOT_FOUND")

// ErrClientAuthentication is the deliberately generic relying-service
// authentication failure.
var ErrClientAuthentication = goerrors.New("client authentication failed", goerrors.CategoryAuth).
	WithTextCode("CLIENT_AUTHENTICATION")

// ErrProviderUnavailable wraps failures to reach the external identity
// provider during login.
var ErrProviderUnavailable = goerrors.New("external identity provider unavailable", goerrors.CategoryOperation).
	WithTextCode("PROVIDER_UNAVAILABLE")

// ErrNoEmptyString rejects empty secrets and passwords before hashing.
var ErrNoEmptyString = goerrors.New("value must not be empty", goerrors.CategoryValidation).
	WithTextCode("EMPTY_VALUE").
	WithCode(goerrors.CodeBadRequest)

// ErrMismatchedHashAndPassword is the bcrypt comparison failure.
var ErrMismatchedHashAndPassword = goerrors.New("password does not match", goerrors.CategoryAuth).
	WithTextCode("PASSWORD_MISMATCH")
