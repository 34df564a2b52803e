package errs

import (
	"errors"
	"fmt"
)

// Common sentinel errors for cross-layer signaling.
var (
	ErrNotFound = errors.New("not_found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
	// ErrUnprocessable is used for semantic validation failures (HTTP 422)
	ErrUnprocessable = errors.New("unprocessable")
	// ErrImmutable indicates an attempt to change immutable fields
	ErrImmutable = errors.New("immutable")
	// ErrLockTimeout means the balance lock could not be acquired within the retry budget.
	// Callers should ask the user to try again.
	ErrLockTimeout = errors.New("lock_timeout")
	// ErrInvariant marks internal consistency failures. Never retried.
	ErrInvariant = errors.New("invariant_violation")
)

// InvariantError carries the context needed to diagnose a corrupted balance resolution.
type InvariantError struct {
	Op            string
	TransactionID string
	Side          string
	Key           string
	Detail        string
	// Err is the underlying failure, if any. It stays visible to errors.Is.
	Err error
}

func (e *InvariantError) Error() string {
	msg := fmt.Sprintf("%s: tx %s side %s key %s: %s", e.Op, e.TransactionID, e.Side, e.Key, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvariantError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvariant}
	}
	return []error{ErrInvariant, e.Err}
}

// IsRetryable reports whether the caller may simply try the same request again.
func IsRetryable(err error) bool { return errors.Is(err, ErrLockTimeout) }
