/*
Package pipeline is the integrated call path every outgoing request goes
through: host gate, response cache, single-flight dedup, circuit breaker,
resilient send loop, and cache write-back, wired in the fixed order
cache → dedup → circuit → send (which acquires the host gate permit for
each attempt) → cache-store.

The ordering invariant is enforced by construction rather than by
convention: a cache write happens inside the dedup producer closure,
strictly before Group.Execute releases any joiner, so no joiner can ever
observe a partially written entry; and a cancelled caller's producer never
reaches the cache-write step at all, so cancellation leaves no cache or
dedup trace (the dedup package's own ref-counted teardown already
guarantees the registry drains to zero independently of this package).

Grounded on the teacher's main.go wiring order (router → middleware chain
→ handler → provider) generalized from a fixed HTTP handler chain into an
explicit Go call graph, since this toolkit has no HTTP server of its own
to hang middleware off of.
*/
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lidarr-plugins/streamcore/breaker"
	"github.com/lidarr-plugins/streamcore/dedup"
	"github.com/lidarr-plugins/streamcore/hostgate"
	"github.com/lidarr-plugins/streamcore/reqopts"
	"github.com/lidarr-plugins/streamcore/respcache"
	"github.com/lidarr-plugins/streamcore/revalidate"
	"github.com/lidarr-plugins/streamcore/sendloop"
)

// ErrUnexpectedNotModified is returned when an upstream answers 304 for a
// request that carried no conditional validators — there is no cached
// entry to synthesize a response from.
var ErrUnexpectedNotModified = errors.New("pipeline: upstream returned 304 without a cached entry to revalidate against")

// Config wires the collaborators an integrated pipeline needs. Cache,
// Dedup, Gate, Pool, and Profiles are required; Revalidate and Logger are
// optional (a nil Revalidate disables conditional revalidation regardless
// of what a CachePolicy requests).
type Config struct {
	Cache      *respcache.Cache
	Dedup      *dedup.Group
	Gate       *hostgate.Registry
	Pool       *sendloop.TransportPool
	Profiles   ProfileResolver
	Revalidate revalidate.Store
	Logger     zerolog.Logger

	// JoinTimeout, if non-zero, makes a dedup join fall back to a
	// standalone producer run after this long waiting for an existing
	// in-flight call, instead of waiting for it indefinitely. Zero
	// disables the fallback (Group.Execute's plain join-and-wait).
	JoinTimeout time.Duration
}

// Pipeline is the integrated call path. Construct with New.
type Pipeline struct {
	cache       *respcache.Cache
	dedup       *dedup.Group
	gate        *hostgate.Registry
	pool        *sendloop.TransportPool
	profiles    ProfileResolver
	revalidate  revalidate.Store
	logger      zerolog.Logger
	joinTimeout time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*breaker.Breaker
}

// New constructs a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	if cfg.Cache == nil || cfg.Dedup == nil || cfg.Gate == nil || cfg.Pool == nil || cfg.Profiles == nil {
		panic("pipeline: Cache, Dedup, Gate, Pool, and Profiles are required")
	}
	return &Pipeline{
		cache:       cfg.Cache,
		dedup:       cfg.Dedup,
		gate:        cfg.Gate,
		pool:        cfg.Pool,
		profiles:    cfg.Profiles,
		revalidate:  cfg.Revalidate,
		logger:      cfg.Logger.With().Str("component", "pipeline").Logger(),
		joinTimeout: cfg.JoinTimeout,
		breakers:    make(map[string]*breaker.Breaker),
	}
}

// Fetch executes req under opts through the full gate/cache/dedup/
// circuit/send pipeline, returning either a cache-synthesized response or
// the result of a live upstream call. The returned response's Body is
// always safe to read and close exactly once, regardless of which path
// produced it.
func (p *Pipeline) Fetch(ctx context.Context, req *http.Request, opts reqopts.Options) (*http.Response, error) {
	req = reqopts.Attach(req, opts)
	cachePolicy := p.cache.Policy(opts.Endpoint, opts.Parameters)

	if entry, ok := p.cache.Get(opts.Endpoint, opts.Parameters, opts.AuthScope); ok {
		return synthesizeFromEntry(entry, false), nil
	}

	key := dedupKey(opts)

	var stale respcache.Entry
	haveStale := false
	if cachePolicy.EnableConditionalRevalidation && p.revalidate != nil {
		if e, ok := p.cache.StaleEntry(opts.Endpoint, opts.Parameters, opts.AuthScope); ok {
			stale = e
			haveStale = true
			// The revalidate.Store collaborator is the authoritative
			// source for conditional validators, independent of whatever
			// respcache's own entry happens to carry (it may have been
			// Set before a Store existed, or by a process that never
			// wired one). A Store hit overrides the entry's validators;
			// a miss falls back to what the entry already has.
			if etag, lastModified, ok := p.revalidate.TryGetValidators(ctx, key); ok {
				stale.Validators = respcache.Validators{ETag: etag, LastModified: lastModified}
			}
		}
	}

	type shared struct {
		resp    *http.Response
		payload []byte
	}
	producer := func(ctx context.Context) (shared, error) {
		resp, err := p.produce(ctx, key, req, opts, cachePolicy, stale, haveStale)
		if err != nil {
			return shared{}, err
		}
		payload, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return shared{}, err
		}
		return shared{resp: resp, payload: payload}, nil
	}

	var s shared
	var err error
	if p.joinTimeout > 0 {
		s, err = dedup.GetWithFallback(p.dedup, ctx, key, p.joinTimeout, producer)
	} else {
		s, err = dedup.Get(p.dedup, ctx, key, producer)
	}
	if err != nil {
		return nil, err
	}
	// Every joiner gets its own reader over the shared payload.
	out := *s.resp
	out.Body = io.NopCloser(bytes.NewReader(s.payload))
	return &out, nil
}

func (p *Pipeline) produce(ctx context.Context, key string, req *http.Request, opts reqopts.Options, cachePolicy respcache.Policy, stale respcache.Entry, haveStale bool) (*http.Response, error) {
	profile := p.profiles.Resolve(opts.Profile)

	attempt := req.Clone(ctx)
	if haveStale {
		revalidate.AttachConditional(attempt, stale.Validators.ETag, stale.Validators.LastModified)
	}

	client := p.clientFor(attempt.URL.Host)
	br := p.breakerFor(opts.Profile, profile.Breaker)

	resp, err := breaker.Execute(br, ctx, opts.Endpoint, func(ctx context.Context) (*http.Response, error) {
		return sendloop.Execute(ctx, p.gate, client, attempt, profile.Resilience)
	})
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return p.handleNotModified(ctx, key, opts, cachePolicy, stale, haveStale, resp)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return p.handleFreshSuccess(ctx, key, opts, cachePolicy, resp)
	default:
		return resp, nil
	}
}

func (p *Pipeline) handleNotModified(ctx context.Context, key string, opts reqopts.Options, cachePolicy respcache.Policy, stale respcache.Entry, haveStale bool, resp *http.Response) (*http.Response, error) {
	drainAndClose(resp)
	if !haveStale {
		return nil, ErrUnexpectedNotModified
	}

	if etag, lastModified, ok := revalidate.ExtractValidators(resp); ok {
		stale.Validators = respcache.Validators{ETag: etag, LastModified: lastModified}
		p.setValidators(ctx, key, etag, lastModified)
	}

	if cachePolicy.Duration > 0 {
		p.cache.RefreshValidators(opts.Endpoint, opts.Parameters, opts.AuthScope, stale.Payload, stale.ContentType, stale.Validators, cachePolicy.Duration)
	}

	return synthesizeFromEntry(stale, true), nil
}

func (p *Pipeline) handleFreshSuccess(ctx context.Context, key string, opts reqopts.Options, cachePolicy respcache.Policy, resp *http.Response) (*http.Response, error) {
	payload, err := io.ReadAll(resp.Body)
	drainAndClose(resp)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	var validators respcache.Validators
	if etag, lastModified, ok := revalidate.ExtractValidators(resp); ok {
		validators = respcache.Validators{ETag: etag, LastModified: lastModified}
		p.setValidators(ctx, key, etag, lastModified)
	}

	if cachePolicy.Duration > 0 {
		p.cache.Set(opts.Endpoint, opts.Parameters, opts.AuthScope, payload, contentType, validators)
	}

	out := &http.Response{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		ProtoMajor: resp.ProtoMajor,
		ProtoMinor: resp.ProtoMinor,
		Header:     resp.Header,
		Body:       io.NopCloser(bytes.NewReader(payload)),
		Request:    resp.Request,
	}
	return out, nil
}

// setValidators persists a freshly observed ETag/Last-Modified pair in the
// revalidate.Store collaborator, if one is configured. A Store write is
// advisory, mirroring the way respcache.Set itself never fails a request
// on a cache-layer problem: a persistence error here only means the next
// revalidation attempt falls back to whatever respcache's own entry still
// carries.
func (p *Pipeline) setValidators(ctx context.Context, key, etag, lastModified string) {
	if p.revalidate == nil {
		return
	}
	if err := p.revalidate.SetValidators(ctx, key, etag, lastModified); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("failed to persist conditional validators")
	}
}

// clientFor returns the pool's shared client for host. sendloop.TransportPool
// itself wraps every client it vends in sniff.Transport and its own
// dial-gating logic, so there is nothing left for this layer to add.
func (p *Pipeline) clientFor(host string) *http.Client {
	return p.pool.GetClient(host, 0)
}

func (p *Pipeline) breakerFor(profile string, cfg breaker.Config) *breaker.Breaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()

	if b, ok := p.breakers[profile]; ok {
		return b
	}

	if cfg.Name == "" {
		cfg.Name = profile
	}
	b, err := breaker.New(cfg)
	if err != nil {
		// An invalid profile-supplied Config is a wiring bug the caller
		// should catch via ProfileResolver tests, not a runtime branch a
		// live request should have to handle — fall back to a preset
		// that is always self-valid rather than panicking mid-request.
		b, _ = breaker.New(breaker.Default(profile))
	}
	p.breakers[profile] = b
	return b
}

// Breakers exposes the live per-profile breaker set for admin/metrics
// surfaces (e.g. breaker.Poller).
func (p *Pipeline) Breakers() map[string]*breaker.Breaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	out := make(map[string]*breaker.Breaker, len(p.breakers))
	for k, v := range p.breakers {
		out[k] = v
	}
	return out
}

// WarmupRequest pairs a request and its fingerprinting options for
// Warmup.
type WarmupRequest struct {
	Req  *http.Request
	Opts reqopts.Options
}

// Warmup issues every request in reqs through Fetch concurrently, mainly
// useful right after process start to pre-populate the response cache
// for a known set of hot endpoints before real traffic arrives. Each
// response body is drained and closed immediately; callers only get the
// aggregate error.
//
// Built on errgroup rather than a bare sync.WaitGroup so the first
// request's failure cancels ctx for the others still in flight, instead
// of every request running to completion regardless of its siblings'
// outcome.
func (p *Pipeline) Warmup(ctx context.Context, reqs []WarmupRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, wr := range reqs {
		wr := wr
		g.Go(func() error {
			resp, err := p.Fetch(ctx, wr.Req, wr.Opts)
			if err != nil {
				return err
			}
			drainAndClose(resp)
			return nil
		})
	}
	return g.Wait()
}

func dedupKey(opts reqopts.Options) string {
	return opts.Endpoint + "|" + opts.Parameters
}

func synthesizeFromEntry(entry respcache.Entry, revalidated bool) *http.Response {
	header := make(http.Header)
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	if entry.Validators.ETag != "" {
		header.Set("ETag", entry.Validators.ETag)
	}
	if entry.Validators.LastModified != "" {
		header.Set("Last-Modified", entry.Validators.LastModified)
	}
	if revalidated {
		header.Set(revalidate.HeaderRevalidated, "true")
	}
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(entry.Payload)),
	}
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
