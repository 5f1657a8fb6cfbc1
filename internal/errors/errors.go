package errors

import (
	"errors"
	"fmt"
)

// Closed error taxonomy for the account manager. Callers match these with
// errors.Is; no layer branches on error message text.
var (
	// ErrNotFound and ErrInvalidArgument deliberately share one message so
	// that probing with an unknown id and probing with a malformed id are
	// indistinguishable from the response text alone.
	ErrNotFound        = errors.New("account reference cannot be resolved")
	ErrInvalidArgument = errors.New("account reference cannot be resolved")

	// ErrUnauthorized means the remote service rejected a credential.
	// Refresh cannot recover from this; only a fresh login can.
	ErrUnauthorized = errors.New("credential rejected")

	// ErrUnavailable covers retryable network and storage failures,
	// including unreadable or corrupted persisted records.
	ErrUnavailable = errors.New("service unavailable")

	// ErrConflict indicates a concurrent or duplicate mutation.
	ErrConflict = errors.New("conflicting account state")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
