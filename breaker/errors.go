package breaker

import (
	"fmt"
	"time"
)

// CircuitOpenError is returned when Execute is called while the breaker
// is Open; a HalfOpen breaker admits calls instead of returning it. It
// carries enough context for a caller to decide whether to retry later.
type CircuitOpenError struct {
	CircuitName   string
	OperationName string
	RetryAfter    time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.OperationName != "" {
		return fmt.Sprintf("breaker: circuit %q open for operation %q, retry after %s", e.CircuitName, e.OperationName, e.RetryAfter)
	}
	return fmt.Sprintf("breaker: circuit %q open, retry after %s", e.CircuitName, e.RetryAfter)
}
