/*
Package respcache is the process-local response cache: TTL-keyed storage
with optional sliding expiration, throttled refresh-window coalescing,
LRU-by-insertion-time eviction, auth-scope-vary keying, and prefix
invalidation scoped to the owning service.

Adapted from the teacher's semantic embedding cache (caching.Engine): the
TTL/eviction-by-oldest idiom and atomic hit/miss/eviction counters carry
over; storage here is a single exact-key map behind one mutex, and the
embedding/cosine-
similarity matching does not — this cache is exact-key, not semantic.
*/
package respcache

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Validators carries the conditional-request validators a response
// carried, if any.
type Validators struct {
	ETag         string
	LastModified string
}

// Policy is supplied per endpoint by the cache-policy-provider
// collaborator.
type Policy struct {
	Duration                      time.Duration
	SlidingExpiration             time.Duration
	SlidingRefreshWindow          time.Duration
	SlidingCeiling                time.Duration // 0 = no caller-imposed ceiling
	EnableConditionalRevalidation bool
	VaryByScope                   bool
}

// PolicyProvider resolves a Policy for an endpoint/parameter pair. It is
// a collaborator interface — the cache never embeds policy decisions
// itself.
type PolicyProvider interface {
	GetPolicy(endpoint, params string) Policy
}

// SlidingExtendedFunc is invoked at most once per sliding-refresh window,
// even under concurrent hits, whenever a sliding-expiration entry is
// extended. It is the composition replacement for the teacher's
// subclass-overridden hook.
type SlidingExtendedFunc func(endpoint, key string, previous, next time.Time)

// Entry is a snapshot of one cached response. Callers receive a copy;
// mutating it has no effect on the cache.
type Entry struct {
	Fingerprint string
	Payload     []byte
	ContentType string
	Validators  Validators
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type entry struct {
	Entry
	sliding       time.Duration
	refreshWindow time.Duration
	ceiling       time.Duration
	lastSlideAt   time.Time
}

// Stats is a point-in-time snapshot of cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int64
}

// Config configures a Cache. ServiceName is required — it is the
// composition replacement for the teacher's subclass-overridden
// service_name() and scopes every key and every prefix-invalidation
// request.
type Config struct {
	ServiceName       string
	MaxSize           int
	Policies          PolicyProvider
	Clock             Clock
	OnSlidingExtended SlidingExtendedFunc
	Remote            *RemoteMirror // optional, nil disables mirroring
	Logger            zerolog.Logger
}

// ErrUnscopedPrefix is returned by InvalidateByPrefix when prefix does
// not begin with this cache's service scope — unscoped invalidation
// would risk clobbering another service's entries sharing the process.
var ErrUnscopedPrefix = errors.New("respcache: prefix invalidation must be scoped to the owning service")

// Cache is the response cache. All operations are safe for concurrent
// use.
//
// Storage is one map behind one mutex rather than sharded by key hash: the
// LRU-by-insertion-time eviction this cache promises requires comparing
// CreatedAt across every live entry, and a sharded map can only ever find
// the oldest entry within the shard a write happened to land in, not the
// oldest entry cache-wide. dedup.Group shards safely because its entries
// are independent in-flight records with no cross-entry ordering
// invariant; this cache's eviction invariant is exactly that ordering, so
// it keeps a single map.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	serviceName string
	maxSize     int
	policies    PolicyProvider
	clock       Clock
	onSlide     SlidingExtendedFunc
	remote      *RemoteMirror
	logger      zerolog.Logger

	hits      int64
	misses    int64
	evictions int64
}

// New constructs a Cache. Policies must be non-nil; Clock defaults to
// SystemClock; MaxSize defaults to 10000.
func New(cfg Config) *Cache {
	if cfg.ServiceName == "" {
		panic("respcache: Config.ServiceName is required")
	}
	if cfg.Policies == nil {
		panic("respcache: Config.Policies is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		entries:     make(map[string]*entry),
		serviceName: cfg.ServiceName,
		maxSize:     maxSize,
		policies:    cfg.Policies,
		clock:       clock,
		onSlide:     cfg.OnSlidingExtended,
		remote:      cfg.Remote,
		logger:      cfg.Logger.With().Str("component", "respcache").Logger(),
	}
}

// ServiceName returns the scope this cache's keys and prefix
// invalidations are confined to.
func (c *Cache) ServiceName() string { return c.serviceName }

func (c *Cache) buildKey(endpoint, params, authScope string, policy Policy) string {
	var b strings.Builder
	b.WriteString(c.serviceName)
	b.WriteByte('|')
	b.WriteString(endpoint)
	b.WriteByte('|')
	b.WriteString(params)
	if policy.VaryByScope && authScope != "" {
		b.WriteByte('|')
		b.WriteString(authScope)
	}
	return b.String()
}

// Get looks up a cached response. A fresh hit extends sliding-expiration
// entries at most once per refresh window, coalescing concurrent hits.
func (c *Cache) Get(endpoint, params, authScope string) (Entry, bool) {
	policy := c.policies.GetPolicy(endpoint, params)
	key := c.buildKey(endpoint, params, authScope, policy)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return Entry{}, false
	}

	now := c.clock.Now()
	if now.After(e.ExpiresAt) {
		// Left in place rather than deleted: a stale entry still carries
		// validators a conditional revalidation can reuse. It is replaced
		// wholesale by the next Set/RefreshValidators, or reclaimed by
		// LRU eviction like any other entry.
		atomic.AddInt64(&c.misses, 1)
		return Entry{}, false
	}
	atomic.AddInt64(&c.hits, 1)

	if e.sliding > 0 {
		window := e.refreshWindow
		if window <= 0 {
			window = e.sliding
		}
		if now.Sub(e.lastSlideAt) >= window {
			previous := e.ExpiresAt
			next := now.Add(e.sliding)
			if e.ceiling > 0 {
				ceilingAt := e.CreatedAt.Add(e.ceiling)
				if next.After(ceilingAt) {
					next = ceilingAt
				}
			}
			e.ExpiresAt = next
			e.lastSlideAt = now
			if c.onSlide != nil {
				c.onSlide(endpoint, key, previous, next)
			}
		}
	}

	snapshot := e.Entry
	return snapshot, true
}

// Set stores payload under the key derived from endpoint/params/authScope,
// evicting the oldest entry first if the cache is at capacity.
func (c *Cache) Set(endpoint, params, authScope string, payload []byte, contentType string, validators Validators) {
	policy := c.policies.GetPolicy(endpoint, params)
	key := c.buildKey(endpoint, params, authScope, policy)
	now := c.clock.Now()

	newEntry := &entry{
		Entry: Entry{
			Fingerprint: key,
			Payload:     payload,
			ContentType: contentType,
			Validators:  validators,
			CreatedAt:   now,
			ExpiresAt:   now.Add(policy.Duration),
		},
		sliding:       policy.SlidingExpiration,
		refreshWindow: policy.SlidingRefreshWindow,
		ceiling:       policy.SlidingCeiling,
		lastSlideAt:   now,
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = newEntry
	c.mu.Unlock()

	if c.remote != nil {
		c.remote.WriteThrough(key, newEntry.Entry)
	}
}

// RefreshValidators updates an existing entry's payload, content type,
// and validators in place (the pipeline calls it when a conditional
// revalidation returns 304) and resets its TTL to duration. It looks the
// policy up only to build the entry's key; an entry that is not present
// is left absent.
func (c *Cache) RefreshValidators(endpoint, params, authScope string, payload []byte, contentType string, validators Validators, duration time.Duration) {
	policy := c.policies.GetPolicy(endpoint, params)
	key := c.buildKey(endpoint, params, authScope, policy)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.Payload = payload
	e.ContentType = contentType
	e.Validators = validators
	e.CreatedAt = now
	e.ExpiresAt = now.Add(duration)
	e.lastSlideAt = now
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.CreatedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.CreatedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		atomic.AddInt64(&c.evictions, 1)
		c.logger.Debug().Str("key", oldestKey).Msg("evicted oldest entry at capacity")
	}
}

// ClearEndpoint removes every entry whose key belongs to endpoint within
// this cache's own service scope.
func (c *Cache) ClearEndpoint(endpoint string) int {
	prefix := c.serviceName + "|" + endpoint + "|"
	return c.removeByPrefixLocked(prefix)
}

// InvalidateByPrefix removes every entry whose key has the given prefix.
// The prefix must be scoped to this cache's service name, to prevent one
// service's invalidation call from clobbering another's entries.
func (c *Cache) InvalidateByPrefix(prefix string) (int, error) {
	if !strings.HasPrefix(prefix, c.serviceName+"|") {
		c.logger.Warn().Str("prefix", prefix).Msg("rejected unscoped prefix invalidation")
		return 0, ErrUnscopedPrefix
	}
	removed := c.removeByPrefixLocked(prefix)
	c.logger.Debug().Str("prefix", prefix).Int("removed", removed).Msg("invalidated by prefix")
	return removed, nil
}

func (c *Cache) removeByPrefixLocked(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	atomic.AddInt64(&c.evictions, int64(removed))
	return removed
}

// CountByPrefix reports how many live entries currently match prefix,
// without regard to service scoping (a read-only query cannot leak
// another service's data, only its key count).
func (c *Cache) CountByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			count++
		}
	}
	return count
}

// Policy resolves and returns the cache policy for endpoint/params,
// letting callers outside the cache (the pipeline's stale/revalidation
// branch) consult the same policy_provider without duplicating it.
func (c *Cache) Policy(endpoint, params string) Policy {
	return c.policies.GetPolicy(endpoint, params)
}

// StaleEntry returns the entry at this key whether or not it is still
// fresh, as long as it carries at least one conditional validator. It is
// used by the pipeline to attach If-None-Match/If-Modified-Since to a
// revalidation request, and to synthesize a 200 from a 304 response
// without refetching the body, for an entry Get has already reported a
// miss on because its TTL lapsed.
func (c *Cache) StaleEntry(endpoint, params, authScope string) (Entry, bool) {
	policy := c.policies.GetPolicy(endpoint, params)
	key := c.buildKey(endpoint, params, authScope, policy)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.Validators.ETag == "" && e.Validators.LastModified == "" {
		return Entry{}, false
	}
	return e.Entry, true
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := int64(len(c.entries))
	c.mu.Unlock()

	return Stats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
		Entries:   entries,
	}
}
