// Package sendloop implements the resilient request-execution loop:
// bounded retries with exponential backoff and jitter, Retry-After
// honoring, method/body-preserving 307/308 redirects, idempotent-only
// 301/302/303 redirects, and a host-gate-bounded attempt budget.
package sendloop

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lidarr-plugins/streamcore/hostgate"
)

// Doer is satisfied by *http.Client and anything wrapping it (such as a
// client vended by TransportPool.GetClient).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Execute runs req to completion against client, bounded by policy and
// gated by gate for req.URL.Host. The returned response's body must be
// closed by the caller.
func Execute(ctx context.Context, gate *hostgate.Registry, client Doer, req *http.Request, policy Policy) (*http.Response, error) {
	if policy.RetryBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.RetryBudget)
		defer cancel()
	}

	permit, err := gate.Acquire(ctx, req.URL.Host, policy.MaxConcurrencyPerHost)
	if err != nil {
		return nil, classifyContextErr(ctx, err)
	}
	defer permit.Release()

	current := req
	redirects := 0
	var lastErr error

	for attempt := 0; ; attempt++ {
		attemptCtx := ctx
		var attemptCancel context.CancelFunc
		if policy.PerRequestTimeout > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(ctx, policy.PerRequestTimeout)
		}

		attemptReq, cloneErr := cloneForAttempt(current, attemptCtx)
		if cloneErr != nil {
			if attemptCancel != nil {
				attemptCancel()
			}
			return nil, cloneErr
		}

		resp, doErr := client.Do(attemptReq)
		if attemptCancel != nil {
			attemptCancel()
		}

		if doErr != nil {
			if err := ctx.Err(); errors.Is(err, context.Canceled) {
				return nil, ErrCancelled
			}
			// A per-attempt timeout with overall budget remaining is a
			// retryable condition, not a terminal one.
			if shouldRetry(policy, nil, doErr) && attempt < policy.MaxRetries {
				lastErr = doErr
				if waitErr := sleepBackoff(ctx, policy, attempt, 0); waitErr != nil {
					return nil, classifyContextErr(ctx, lastErr)
				}
				continue
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &BudgetExhaustedError{Attempts: attempt + 1, Cause: doErr}
			}
			return nil, doErr
		}

		if isRedirectPreservingMethod(resp.StatusCode) {
			redirects++
			if redirects > policy.maxRedirects() {
				drain(resp)
				return nil, ErrRedirectLoop
			}
			next, rerr := rebuildPreservingMethod(current, resp)
			drain(resp)
			if rerr != nil {
				return nil, rerr
			}
			current = next
			continue
		}

		if isRedirectIdempotentOnly(resp.StatusCode) {
			redirects++
			if redirects > policy.maxRedirects() {
				drain(resp)
				return nil, ErrRedirectLoop
			}
			next, rerr := rebuildAsIdempotentGet(current, resp)
			drain(resp)
			if rerr != nil {
				return nil, rerr
			}
			current = next
			continue
		}

		retryableStatus := shouldRetry(policy, resp, nil)
		if retryableStatus && attempt < policy.MaxRetries {
			delaySeconds := retryAfterDelay(resp)
			drain(resp)
			lastErr = &statusError{Status: resp.StatusCode}
			if waitErr := sleepBackoff(ctx, policy, attempt, delaySeconds); waitErr != nil {
				return nil, classifyContextErr(ctx, lastErr)
			}
			continue
		}

		if retryableStatus {
			// Retries exhausted but the final status was still
			// classified as retryable — the budget decides the error
			// shape, not the status itself.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				drain(resp)
				return nil, &BudgetExhaustedError{Attempts: attempt + 1, Cause: lastErr}
			}
			return resp, nil
		}

		return resp, nil
	}
}

func shouldRetry(policy Policy, resp *http.Response, err error) bool {
	if policy.ShouldRetry != nil {
		return policy.ShouldRetry(resp, err)
	}
	if err != nil {
		return true
	}
	if resp != nil {
		return policy.isRetryableStatus(resp.StatusCode)
	}
	return false
}

func isRedirectPreservingMethod(status int) bool {
	return status == http.StatusTemporaryRedirect || status == http.StatusPermanentRedirect
}

func isRedirectIdempotentOnly(status int) bool {
	return status == http.StatusMovedPermanently || status == http.StatusFound || status == http.StatusSeeOther
}

// rebuildPreservingMethod follows a 307/308 redirect without downgrading
// the method or dropping the body.
func rebuildPreservingMethod(prev *http.Request, resp *http.Response) (*http.Request, error) {
	loc := resp.Header.Get("Location")
	target, err := resolveLocation(prev, loc)
	if err != nil {
		return nil, err
	}

	next := prev.Clone(prev.Context())
	next.URL = target
	next.Host = ""
	if prev.GetBody != nil {
		body, berr := prev.GetBody()
		if berr != nil {
			return nil, berr
		}
		next.Body = body
	}
	stripHopByHop(next.Header)
	return next, nil
}

// rebuildAsIdempotentGet follows a 301/302/303 redirect as a bodyless GET
// (HEAD is preserved as HEAD), matching historical HTTP redirect
// semantics: a POST is never retried against the new location as a POST.
func rebuildAsIdempotentGet(prev *http.Request, resp *http.Response) (*http.Request, error) {
	loc := resp.Header.Get("Location")
	target, err := resolveLocation(prev, loc)
	if err != nil {
		return nil, err
	}

	method := http.MethodGet
	if prev.Method == http.MethodHead {
		method = http.MethodHead
	}

	next, err := http.NewRequestWithContext(prev.Context(), method, target.String(), nil)
	if err != nil {
		return nil, err
	}
	next.Header = prev.Header.Clone()
	next.Header.Del("Content-Length")
	next.Header.Del("Content-Type")
	stripHopByHop(next.Header)
	return next, nil
}

func resolveLocation(prev *http.Request, location string) (*url.URL, error) {
	if location == "" {
		return nil, errors.New("sendloop: redirect response missing Location header")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	return prev.URL.ResolveReference(ref), nil
}

func stripHopByHop(h http.Header) {
	for _, name := range []string{"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "TE", "Trailer", "Transfer-Encoding", "Upgrade"} {
		h.Del(name)
	}
}

// cloneForAttempt rebinds req to ctx and, if the body was already
// consumed by a previous attempt, rewinds it via GetBody.
func cloneForAttempt(req *http.Request, ctx context.Context) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

// retryAfterDelay parses a Retry-After header (seconds or HTTP-date) into
// a duration, or zero if absent/unparseable.
func retryAfterDelay(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// sleepBackoff waits the greater of the computed exponential-backoff
// delay and any explicit Retry-After hint, bounded by ctx. retryAfter of
// zero means "no explicit hint".
func sleepBackoff(ctx context.Context, policy Policy, attempt int, retryAfter time.Duration) error {
	delay := backoffDelay(policy.baseDelay(), attempt)
	if retryAfter > delay {
		delay = retryAfter
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift > 16 {
		shift = 16 // avoid overflow on pathological retry counts
	}
	exp := base << uint(shift)
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return exp + jitter
}

func classifyContextErr(ctx context.Context, fallback error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &BudgetExhaustedError{Cause: fallback}
	default:
		return fallback
	}
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// statusError adapts a non-2xx terminal status into an error value for
// BudgetExhaustedError.Cause when no transport error produced it.
type statusError struct {
	Status int
}

func (e *statusError) Error() string {
	return "sendloop: last attempt returned status " + strconv.Itoa(e.Status)
}
