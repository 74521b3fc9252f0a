// Package hostgate bounds the number of concurrent in-flight requests per
// destination host, aggregated across every traffic profile that talks to
// that host. One plugin's "search" profile and another's "download"
// profile share the same ceiling for a given host so no single profile can
// monopolize the connection budget, while each profile still makes
// progress.
//
// Growth is one-way: raising a host's limit replaces its permit pool with
// a bigger one, but permits already handed out against the old, smaller
// pool keep releasing correctly against it — callers never need to know
// which generation they hold.
package hostgate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// generation is one sizing of a host's permit pool. successor is set when
// growth supersedes this generation: a permit released against this
// generation must also release the placeholder growth reserved for it in
// successor (and, transitively, in every generation after that), since
// growth pre-reserves one slot per outstanding permit rather than handing
// out the full new limit blind to what the old generation still holds.
type generation struct {
	sem       *semaphore.Weighted
	limit     int64
	inUse     int64 // atomic; includes both directly-held permits and reserved placeholders inherited from a predecessor
	successor *generation
}

// Gate is the per-host aggregate concurrency limiter.
type Gate struct {
	mu  sync.Mutex
	gen *generation
}

func newGate(limit int64) *Gate {
	return &Gate{gen: &generation{sem: semaphore.NewWeighted(limit), limit: limit}}
}

// Permit represents one held slot in a Gate. Release must be called
// exactly once; Release is idempotent-safe under duplicate calls from
// failure-path defer/explicit-release combinations in caller code, but
// callers should still only call it once.
type Permit struct {
	released atomic.Bool
	gen      *generation
}

// Release returns the permit to the generation it was issued from, then
// walks any successor chain releasing the growth placeholder each later
// generation reserved on this permit's behalf.
func (p *Permit) Release() {
	if p == nil || p.gen == nil {
		return
	}
	if p.released.CompareAndSwap(false, true) {
		for gen := p.gen; gen != nil; gen = gen.successor {
			atomic.AddInt64(&gen.inUse, -1)
			gen.sem.Release(1)
		}
	}
}

// ensureLimit grows the gate's active generation to desiredLimit if it is
// currently smaller. Growing never shrinks an existing, larger limit.
//
// The new generation's semaphore is sized at desiredLimit, but permits
// still outstanding on the superseded generation are immediately
// pre-reserved out of it (TryAcquire never blocks here: outstanding is
// bounded by the old, smaller limit, strictly less than desiredLimit) so
// the combined in-flight count across old and new generations never
// exceeds desiredLimit. Each outstanding permit's eventual Release walks
// back to this generation and frees its reservation, handing the slot to
// a genuinely new acquire instead of admitting one extra concurrently.
func (g *Gate) ensureLimit(desiredLimit int64) *generation {
	g.mu.Lock()
	defer g.mu.Unlock()

	if desiredLimit <= g.gen.limit {
		return g.gen
	}

	outstanding := atomic.LoadInt64(&g.gen.inUse)
	next := &generation{sem: semaphore.NewWeighted(desiredLimit), limit: desiredLimit}
	if outstanding > 0 {
		next.sem.TryAcquire(outstanding)
		atomic.AddInt64(&next.inUse, outstanding)
	}
	g.gen.successor = next
	g.gen = next
	return next
}

// Acquire blocks until a slot is available in the host's aggregate pool
// (growing the pool first if desiredLimit exceeds the current limit), or
// until ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context, desiredLimit int64) (*Permit, error) {
	if desiredLimit <= 0 {
		desiredLimit = 1
	}
	gen := g.ensureLimit(desiredLimit)
	if err := gen.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	atomic.AddInt64(&gen.inUse, 1)
	return &Permit{gen: gen}, nil
}

// Limit returns the gate's current (latest-generation) limit.
func (g *Gate) Limit() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen.limit
}

// Available returns the number of free permits in the gate's current
// generation. Permits still held from older, smaller generations count
// against it through the placeholders reserved when the gate grew, so
// they are reflected here until their holders release.
func (g *Gate) Available() int64 {
	g.mu.Lock()
	gen := g.gen
	g.mu.Unlock()
	return gen.limit - atomic.LoadInt64(&gen.inUse)
}

// Registry is the process-wide table of per-host Gates. Construction is
// side-effect-free; the registry holds no global mutable state outside of
// itself, so tests and plugin hosts can each own an independent Registry.
type Registry struct {
	mu    sync.RWMutex
	gates map[string]*Gate
}

// NewRegistry creates an empty host gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

func (r *Registry) gateFor(host string) *Gate {
	r.mu.RLock()
	g, ok := r.gates[host]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[host]; ok {
		return g
	}
	g = newGate(1)
	r.gates[host] = g
	return g
}

// Acquire looks up (or creates) the gate for host and acquires a permit,
// growing the gate to desiredLimit first if needed. It respects context
// cancellation.
func (r *Registry) Acquire(ctx context.Context, host string, desiredLimit int64) (*Permit, error) {
	return r.gateFor(host).Acquire(ctx, desiredLimit)
}

// Gate returns the existing gate for host, if one has been created.
func (r *Registry) Gate(host string) (*Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[host]
	return g, ok
}

// Hosts returns the set of hosts currently tracked by the registry.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts := make([]string, 0, len(r.gates))
	for h := range r.gates {
		hosts = append(hosts, h)
	}
	return hosts
}
