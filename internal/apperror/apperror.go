// Package apperror defines the error taxonomy shared by every layer.
//
// Repositories and services return *AppError values that wrap one of the
// sentinel errors below. Callers branch with errors.Is (which category?) and
// errors.As (give me the message / conflict data). Only the HTTP layer knows
// which status code each category maps to.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// Session errors. ErrUnauthenticated deliberately covers "no token",
	// "wrong token" and "revoked token" so callers cannot probe which one it was.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrSessionExpired  = errors.New("session expired")

	// Challenge / signature errors.
	ErrNoActiveChallenge = errors.New("no active challenge")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSignatureMismatch = errors.New("signature mismatch")

	// Identity errors.
	ErrDuplicateIdentity       = errors.New("duplicate identity")
	ErrMergeRequired           = errors.New("merge required")
	ErrAmbiguous               = errors.New("ambiguous")
	ErrVouchingIdentityMissing = errors.New("vouching identity missing")
	ErrLinkFailed              = errors.New("link failed")

	// ErrBackendUnavailable marks store failures (connectivity, timeouts).
	// It must never be confused with "not found".
	ErrBackendUnavailable = errors.New("backend unavailable")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error

	// ExistingUserID is set on ErrMergeRequired: the account that already
	// owns the identifier the caller tried to claim.
	ExistingUserID string

	// Cause is the underlying low-level error (driver, timeout). It is kept
	// for logs and debug responses, never for user-facing messages.
	Cause error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func Unauthenticated() *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: "valid authentication required",
	}
}

func SessionExpired() *AppError {
	return &AppError{
		Err:     ErrSessionExpired,
		Message: "session has expired, please sign in again",
	}
}

func NoActiveChallenge() *AppError {
	return &AppError{
		Err:     ErrNoActiveChallenge,
		Message: "no active challenge for this address, request a new one",
	}
}

func ChallengeExpired() *AppError {
	return &AppError{
		Err:     ErrChallengeExpired,
		Message: "challenge has expired, request a new one",
	}
}

func InvalidSignature(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidSignature,
		Message: message,
		Field:   "signature",
	}
}

func SignatureMismatch() *AppError {
	return &AppError{
		Err:     ErrSignatureMismatch,
		Message: "signature was not produced by the claimed address",
		Field:   "signature",
	}
}

// DuplicateIdentity reports that (type, identifier) already exists for some
// user. It is an internal signal; the API surfaces MergeRequired instead.
func DuplicateIdentity(identityType, identifier string) *AppError {
	return &AppError{
		Err:     ErrDuplicateIdentity,
		Message: fmt.Sprintf("%s identity %s already exists", identityType, identifier),
	}
}

func MergeRequired(existingUserID string) *AppError {
	return &AppError{
		Err:            ErrMergeRequired,
		Message:        "this identity is already linked to another account",
		ExistingUserID: existingUserID,
	}
}

func Ambiguous(message string) *AppError {
	return &AppError{
		Err:     ErrAmbiguous,
		Message: message,
	}
}

func VouchingIdentityMissing(provider string) *AppError {
	return &AppError{
		Err:     ErrVouchingIdentityMissing,
		Message: fmt.Sprintf("link your %s account before using its verifications", provider),
	}
}

func LinkFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrLinkFailed,
		Message: "identity link failed",
		Cause:   cause,
	}
}

// BackendUnavailable wraps a store failure. op names the operation for logs.
func BackendUnavailable(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrBackendUnavailable,
		Message: fmt.Sprintf("%s: backend unavailable", op),
		Cause:   cause,
	}
}

// IsCategorized reports whether err already carries one of the taxonomy
// sentinels, i.e. whether it is safe to surface as-is.
func IsCategorized(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}
