package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is the minimal view a Poller needs of wherever breakers are
// kept; it mirrors how callers hand the pipeline's breaker set to the
// admin surface.
type Registry interface {
	Snapshot() map[string]*Breaker
}

// StaticRegistry is a Registry over a fixed set of named breakers.
type StaticRegistry map[string]*Breaker

// Snapshot returns the registry itself; breakers are independently safe
// for concurrent use, so no copy is needed.
func (r StaticRegistry) Snapshot() map[string]*Breaker { return r }

// Poller periodically samples a Registry's breakers and fires a callback
// on every state transition it observes since the last poll, for
// dashboards and alerting that can't afford to hang a state-change
// callback off every individual Breaker.
type Poller struct {
	registry Registry
	logger   zerolog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastStatus map[string]State
	onChange   func(name string, previous, next State)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller over registry sampling at interval (minimum
// one second).
func NewPoller(registry Registry, logger zerolog.Logger, interval time.Duration) *Poller {
	if interval < time.Second {
		interval = time.Second
	}
	return &Poller{
		registry:   registry,
		logger:     logger.With().Str("component", "breaker_poller").Logger(),
		interval:   interval,
		lastStatus: make(map[string]State),
		done:       make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked whenever a breaker's state
// differs from what the previous poll observed.
func (p *Poller) OnStateChange(cb func(name string, previous, next State)) {
	p.onChange = cb
}

// Start begins the background polling loop. Call Stop to shut it down.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info().Dur("interval", p.interval).Msg("starting circuit breaker poller")
	go p.pollLoop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
	p.logger.Info().Msg("circuit breaker poller stopped")
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.done)

	p.poll()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	snapshot := p.registry.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()

	for name, b := range snapshot {
		next := b.State()
		prev, known := p.lastStatus[name]
		if known && prev != next {
			p.logger.Warn().
				Str("circuit", name).
				Str("from", prev.String()).
				Str("to", next.String()).
				Msg("circuit breaker state change")
			if p.onChange != nil {
				p.onChange(name, prev, next)
			}
		}
		p.lastStatus[name] = next
	}
}

// Snapshot returns the last-observed state per breaker name.
func (p *Poller) Snapshot() map[string]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]State, len(p.lastStatus))
	for k, v := range p.lastStatus {
		out[k] = v
	}
	return out
}
