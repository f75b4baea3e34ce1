package idman

import (
	goerrors "github.com/goliatone/go-errors"
)

// ErrInvalidStatusTransition is returned when a requested auth status change
// is not allowed.
var ErrInvalidStatusTransition = goerrors.New("invalid auth status transition", goerrors.CategoryValidation).
	WithTextCode("INVALID_STATUS_TRANSITION").
	WithCode(goerrors.CodeBadRequest)

// allowedStatusTransitions is the account lifecycle: an active account can
// lock (failure threshold) or expire (credential policy); locked and expired
// accounts reopen only through a credential reset.
var allowedStatusTransitions = map[AuthStatus][]AuthStatus{
	AuthStatusActive:  {AuthStatusLocked, AuthStatusExpired},
	AuthStatusLocked:  {AuthStatusActive},
	AuthStatusExpired: {AuthStatusActive, AuthStatusLocked},
}

// CanTransitionStatus reports whether from can move to to. Setting the same
// status is always a no-op and allowed.
func CanTransitionStatus(from, to AuthStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range allowedStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateStatusTransition returns ErrInvalidStatusTransition with metadata
// when the change is not allowed.
func ValidateStatusTransition(from, to AuthStatus) error {
	if CanTransitionStatus(from, to) {
		return nil
	}
	return ErrInvalidStatusTransition.Clone().WithMetadata(map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}
