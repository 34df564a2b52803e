package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestInvariantErrorUnwraps(t *testing.T) {
	var err error = &InvariantError{Op: "apply", TransactionID: "t1", Side: "2a", Key: "2/1/0", Detail: "row missing"}
	wrapped := fmt.Errorf("apply movement: %w", err)
	if !errors.Is(wrapped, ErrInvariant) {
		t.Fatalf("expected ErrInvariant in chain")
	}
	var ie *InvariantError
	if !errors.As(wrapped, &ie) || ie.Side != "2a" {
		t.Fatalf("expected *InvariantError with context, got %v", wrapped)
	}
	if IsRetryable(wrapped) {
		t.Fatalf("invariant violations must not be retryable")
	}
}

func TestLockTimeoutIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("%w: ledger:balances", ErrLockTimeout)) {
		t.Fatalf("lock timeout should be retryable")
	}
	if IsRetryable(ErrNotFound) {
		t.Fatalf("not found should not be retryable")
	}
}

func TestInvariantErrorKeepsCause(t *testing.T) {
	err := fmt.Errorf("cancel: %w", &InvariantError{Op: "reverse", Side: "1", Detail: "missing balance 7", Err: ErrNotFound})
	if !errors.Is(err, ErrInvariant) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected both ErrInvariant and the cause in chain, got %v", err)
	}
}
