// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"context"
	"errors"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the actor may not act on the resource
	// (oracle denial or cross-account mismatch).
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateEmail indicates the address is already registered to some account.
	ErrDuplicateEmail = errors.New("email already exists")

	// ErrCannotDeleteLastVerifiedEmail guards the last verified email of an account.
	ErrCannotDeleteLastVerifiedEmail = errors.New("cannot delete last verified email")

	// ErrAlreadyVerified indicates a verification resend for a verified email.
	ErrAlreadyVerified = errors.New("email already verified")

	// ErrInvalidArgument indicates malformed input (empty ids, bad address).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransient indicates a store or collaborator is unavailable; safe to retry.
	ErrTransient = errors.New("transient failure")
)

// Transient marks err as retryable. Nil and context errors are returned as is.
func Transient(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return errors.Join(ErrTransient, err)
}
