package sendloop

import (
	"net/http"
	"time"
)

// Policy configures one resilient send-loop execution. Policies are
// resolved per traffic profile by a collaborator and passed in fresh on
// every call — the send loop itself holds no policy state.
type Policy struct {
	// ProfileName identifies which traffic profile this policy came
	// from; the send loop itself does not read it.
	ProfileName string

	// MaxRetries bounds the number of retry attempts after the first.
	// Zero means "try once, no retries".
	MaxRetries int

	// RetryBudget is the overall wall-clock deadline for the whole
	// operation, including every retry and redirect. Zero means no
	// overall deadline is imposed beyond the caller's context.
	RetryBudget time.Duration

	// PerRequestTimeout bounds a single attempt. Zero means no
	// per-attempt bound beyond RetryBudget.
	PerRequestTimeout time.Duration

	// MaxConcurrencyPerHost is the desired host-gate limit this profile
	// wants; it is combined into the host's aggregate cap.
	MaxConcurrencyPerHost int64

	// BaseDelay is the backoff base; actual delay is
	// BaseDelay*2^attempt plus jitter. Defaults to 200ms if zero.
	BaseDelay time.Duration

	// MaxRedirects bounds how many redirect hops are followed before
	// ErrRedirectLoop is returned. Defaults to 5 if zero.
	MaxRedirects int

	// ShouldRetry overrides the default retryable-status/transport-error
	// classification. Exactly one of resp/err is non-nil/non-zero.
	ShouldRetry func(resp *http.Response, err error) bool
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay > 0 {
		return p.BaseDelay
	}
	return 200 * time.Millisecond
}

func (p Policy) maxRedirects() int {
	if p.MaxRedirects > 0 {
		return p.MaxRedirects
	}
	return 5
}

// defaultRetryableStatuses are retried unless Policy.ShouldRetry overrides
// the classification.
var defaultRetryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

func (p Policy) isRetryableStatus(status int) bool {
	return defaultRetryableStatuses[status]
}
