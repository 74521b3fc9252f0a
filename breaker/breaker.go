// Package breaker implements a per-logical-endpoint circuit breaker:
// Closed/Open/HalfOpen states, sliding-window failure accounting, and a
// predicate-based failure classifier that lets callers exclude domain
// errors (validation failures, etc.) from tripping the circuit.
//
// State-machine shape and event-emission idiom are grounded on the
// brennhill-gasoline-mcp-ai-devtools capture.CircuitBreaker streak-based
// breaker (evaluateCircuit, emitEvent fired exactly once per
// transition); the preset/config/sentinel-error shape is grounded on the
// other_examples resilience-doc.go package documentation (CircuitOpen,
// OnStateChange, IsFailure/RetryIf callback naming).
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is invoked exactly once per transition, after the
// breaker's internal state has already moved — observers never see a
// transition "in progress".
type StateChangeFunc func(previous, next State)

// Stats is a snapshot of the breaker's sliding-window bookkeeping.
type Stats struct {
	FailuresInWindow int
	TotalSuccesses   int64
	TotalFailures    int64
	TotalOperations  int64
}

type ring struct {
	data     []bool
	pos      int
	filled   int
	failures int
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{data: make([]bool, size)}
}

func (r *ring) push(isFailure bool) int {
	if r.filled < len(r.data) {
		r.data[r.pos] = isFailure
		if isFailure {
			r.failures++
		}
		r.filled++
	} else {
		if r.data[r.pos] {
			r.failures--
		}
		r.data[r.pos] = isFailure
		if isFailure {
			r.failures++
		}
	}
	r.pos = (r.pos + 1) % len(r.data)
	return r.failures
}

// Breaker is a single logical circuit. Construct with New.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state             State
	window            *ring
	failuresInWindow  int
	halfOpenSuccesses int
	openedAt          time.Time

	totalSuccesses  int64
	totalFailures   int64
	totalOperations int64

	onStateChange StateChangeFunc
}

// Option configures optional Breaker behavior at construction time.
type Option func(*Breaker)

// WithStateChangeFunc registers a callback fired exactly once per state
// transition.
func WithStateChangeFunc(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New constructs a Breaker from cfg, which must satisfy Config.Validate.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		state:  Closed,
		window: newRing(cfg.SlidingWindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Execute runs factory if the breaker currently allows it, and feeds the
// outcome back into the sliding window. Cancellation propagates without
// counting as a failure; operationName appears in any CircuitOpenError
// this call produces.
func Execute[T any](b *Breaker, ctx context.Context, operationName string, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if b.currentState() == Open {
		return zero, b.openError(operationName)
	}

	value, err := factory(ctx)
	b.recordResult(err)
	return value, err
}

// State returns the breaker's current state, lazily applying the
// Open→HalfOpen transition if the open window has elapsed.
func (b *Breaker) State() State {
	return b.currentState()
}

// Stats returns the current sliding-window and lifetime counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		FailuresInWindow: b.failuresInWindow,
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
		TotalOperations:  b.totalOperations,
	}
}

// Reset forces the breaker back to Closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.state = Closed
	b.window = newRing(b.cfg.SlidingWindowSize)
	b.failuresInWindow = 0
	b.halfOpenSuccesses = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.totalOperations = 0
	b.emitTransitionLocked(prev, Closed)
}

func (b *Breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transitionLocked(HalfOpen)
	}
	return b.state
}

func (b *Breaker) openError(operationName string) *CircuitOpenError {
	b.mu.Lock()
	defer b.mu.Unlock()

	retryAfter := b.cfg.OpenDuration - b.now().Sub(b.openedAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &CircuitOpenError{CircuitName: b.cfg.Name, OperationName: operationName, RetryAfter: retryAfter}
}

func (b *Breaker) recordResult(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil && b.cfg.ShouldCountAsFailure != nil && !b.cfg.ShouldCountAsFailure(err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalOperations++
	success := err == nil
	if success {
		b.totalSuccesses++
	} else {
		b.totalFailures++
	}

	switch b.state {
	case Closed:
		b.failuresInWindow = b.window.push(!success)
		if b.failuresInWindow >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThresholdInHalfOpen {
				b.window = newRing(b.cfg.SlidingWindowSize)
				b.failuresInWindow = 0
				b.transitionLocked(Closed)
			}
		} else {
			b.transitionLocked(Open)
		}
	case Open:
		// Execute should not normally reach here — it fails fast before
		// invoking factory while Open — but a stray late completion from
		// a factory call started just before the trip must not corrupt
		// accounting.
	}
}

// transitionLocked moves b.state to next and fires onStateChange exactly
// once, with b.mu already held.
func (b *Breaker) transitionLocked(next State) {
	prev := b.state
	b.state = next
	if next == Open {
		b.openedAt = b.now()
		b.halfOpenSuccesses = 0
	}
	b.emitTransitionLocked(prev, next)
}

func (b *Breaker) emitTransitionLocked(prev, next State) {
	if prev == next || b.onStateChange == nil {
		return
	}
	cb := b.onStateChange
	go func() {
		defer func() { _ = recover() }()
		cb(prev, next)
	}()
}
