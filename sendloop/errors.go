package sendloop

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled wraps context cancellation observed at a suspension point
// inside the send loop. It is never counted as a retryable or circuit
// failure.
var ErrCancelled = fmt.Errorf("sendloop: cancelled: %w", context.Canceled)

// ErrRedirectLoop is returned when a chain of 307/308/301/302/303
// redirects exceeds maxRedirects without resolving to a terminal status.
var ErrRedirectLoop = errors.New("sendloop: redirect loop detected")

// BudgetExhaustedError is returned when the retry budget's deadline
// passes before a terminal outcome is reached. It carries the last
// underlying cause so callers can still inspect what kept failing.
type BudgetExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("sendloop: retry budget exhausted after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *BudgetExhaustedError) Unwrap() error { return e.Cause }

// IsCancelled reports whether err represents caller cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
