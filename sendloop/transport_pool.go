package sendloop

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lidarr-plugins/streamcore/hostgate"
	"github.com/lidarr-plugins/streamcore/sniff"
)

// PoolConfig holds transport tuning knobs for one destination host.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	DisableCompression    bool
	ForceHTTP2            bool

	// MaxConcurrentDials bounds how many TCP/TLS handshakes this pool will
	// run at once for a single host, independent of MaxConnsPerHost (which
	// bounds steady-state pooled connections, not the burst of dials a
	// sudden spike of callers can trigger before any connection exists to
	// reuse). Zero disables dial gating. Only takes effect when the pool
	// was built with a host-gate registry via UseHostGate.
	MaxConcurrentDials int64
}

// DefaultPoolConfig returns production-grade defaults. ResponseHeaderTimeout
// is left at zero deliberately — the send loop enforces timing via the
// request's context deadline rather than a fixed transport-level timeout,
// so a generous per-attempt budget isn't double-enforced at two layers.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    false,
		ForceHTTP2:            true,
		MaxConcurrentDials:    8,
	}
}

// poolMetrics tracks per-host transport utilization, exposed through
// TransportPool.Metrics for wiring into corestats collectors.
type poolMetrics struct {
	activeConnections sync.Map // map[string]*int64
	totalRequests     sync.Map // map[string]*int64
	totalErrors       sync.Map // map[string]*int64
	connectionReuses  sync.Map // map[string]*int64
	dialsGated        sync.Map // map[string]*int64
	dialErrors        sync.Map // map[string]*int64
}

func counterFor(store *sync.Map, key string) *int64 {
	if val, ok := store.Load(key); ok {
		return val.(*int64)
	}
	counter := new(int64)
	actual, _ := store.LoadOrStore(key, counter)
	return actual.(*int64)
}

// TransportPool manages shared http.Transports and http.Clients keyed by
// destination host rather than by provider name, so every traffic profile
// talking to the same host reuses the same underlying connection pool.
//
// Every client it hands out is wrapped in sniff.Transport, so a caller
// reading a response through a pool-vended client never has to wrap it
// itself, and is optionally wired to a hostgate.Registry (UseHostGate) so
// that a sudden burst of callers against a cold host triggers a bounded
// number of concurrent dials rather than one per waiting caller.
type TransportPool struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
	clients    map[string]*http.Client
	configs    map[string]PoolConfig
	defaults   PoolConfig
	metrics    *poolMetrics
	gate       *hostgate.Registry
}

// NewTransportPool creates a transport pool using defaults for any host
// that hasn't been given a specific Configure call.
func NewTransportPool(defaults PoolConfig) *TransportPool {
	return &TransportPool{
		transports: make(map[string]*http.Transport),
		clients:    make(map[string]*http.Client),
		configs:    make(map[string]PoolConfig),
		defaults:   defaults,
		metrics:    &poolMetrics{},
	}
}

// DefaultTransportPool returns a pool seeded with DefaultPoolConfig.
func DefaultTransportPool() *TransportPool {
	return NewTransportPool(DefaultPoolConfig())
}

// UseHostGate wires gate into the pool so that dialing a new connection to
// a host first acquires a permit from the same registry sendloop.Execute
// uses to bound in-flight requests. The two serve different moments in a
// request's life: Execute's permit bounds how many requests to a host are
// outstanding at once; this one bounds how many of those requests are, at
// any instant, stuck establishing a brand-new TCP/TLS connection rather
// than reusing one already in the pool. Must be called before the pool's
// first GetTransport/GetClient call for a host; it has no effect on
// transports already built for that host.
func (p *TransportPool) UseHostGate(gate *hostgate.Registry) *TransportPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = gate
	return p
}

// Configure sets a host-specific pool configuration, invalidating any
// transport/client already built for that host so it is recreated lazily
// on next use with the new settings.
func (p *TransportPool) Configure(host string, cfg PoolConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[host] = cfg
	delete(p.transports, host)
	delete(p.clients, host)
}

// GetTransport returns the shared transport for host, creating it on
// first access.
func (p *TransportPool) GetTransport(host string) *http.Transport {
	p.mu.RLock()
	if t, ok := p.transports[host]; ok {
		p.mu.RUnlock()
		return t
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[host]; ok {
		return t
	}

	cfg := p.configFor(host)
	t := p.createTransport(host, cfg)
	p.transports[host] = t
	return t
}

// GetClient returns a shared client for host, wired through content
// sniffing and a metrics-collecting RoundTripper. The client is cached per
// host, so timeout takes effect only on the call that first builds it.
func (p *TransportPool) GetClient(host string, timeout time.Duration) *http.Client {
	p.mu.RLock()
	if c, ok := p.clients[host]; ok {
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[host]; ok {
		return c
	}

	cfg := p.configFor(host)
	transport := p.createTransport(host, cfg)
	p.transports[host] = transport

	client := &http.Client{
		Transport: &metricsRoundTripper{inner: sniff.New(transport), host: host, metrics: p.metrics},
		Timeout:   timeout,
		// The send loop implements its own redirect handling (307/308
		// body preservation, idempotent-only 301/302/303 following), so
		// the stock client must never follow redirects on its own.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	p.clients[host] = client
	return client
}

// Metrics returns a snapshot of per-host counters.
func (p *TransportPool) Metrics() map[string]map[string]int64 {
	result := make(map[string]map[string]int64)

	collect := func(store *sync.Map, field string) {
		store.Range(func(key, value interface{}) bool {
			host := key.(string)
			if _, ok := result[host]; !ok {
				result[host] = make(map[string]int64)
			}
			result[host][field] = atomic.LoadInt64(value.(*int64))
			return true
		})
	}
	collect(&p.metrics.totalRequests, "total_requests")
	collect(&p.metrics.totalErrors, "total_errors")
	collect(&p.metrics.activeConnections, "active_connections")
	collect(&p.metrics.connectionReuses, "connection_reuses")
	collect(&p.metrics.dialsGated, "dials_gated")
	collect(&p.metrics.dialErrors, "dial_errors")
	return result
}

// Close closes idle connections across every host in the pool.
func (p *TransportPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func (p *TransportPool) configFor(host string) PoolConfig {
	if cfg, ok := p.configs[host]; ok {
		return cfg
	}
	return p.defaults
}

func (p *TransportPool) createTransport(host string, cfg PoolConfig) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	dial := dialer.DialContext
	if p.gate != nil && cfg.MaxConcurrentDials > 0 {
		dial = p.gatedDialContext(host, cfg.MaxConcurrentDials, dial)
	}

	t := &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableCompression:    cfg.DisableCompression,
	}

	if cfg.ForceHTTP2 {
		t.TLSClientConfig = &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
		t.ForceAttemptHTTP2 = true
	}
	return t
}

// gatedDialContext wraps dial so that establishing a new connection to
// host first waits for a hostgate permit, bounding how many dials for
// that host run concurrently to maxDials regardless of how many callers
// are simultaneously short of a pooled connection to reuse.
func (p *TransportPool) gatedDialContext(host string, maxDials int64, dial func(ctx context.Context, network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		permit, err := p.gate.Acquire(ctx, "dial:"+host, maxDials)
		if err != nil {
			return nil, err
		}
		defer permit.Release()
		atomic.AddInt64(counterFor(&p.metrics.dialsGated, host), 1)

		conn, err := dial(ctx, network, addr)
		if err != nil {
			atomic.AddInt64(counterFor(&p.metrics.dialErrors, host), 1)
		}
		return conn, err
	}
}

type metricsRoundTripper struct {
	inner   http.RoundTripper
	host    string
	metrics *poolMetrics
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	active := counterFor(&m.metrics.activeConnections, m.host)
	atomic.AddInt64(active, 1)
	defer atomic.AddInt64(active, -1)

	atomic.AddInt64(counterFor(&m.metrics.totalRequests, m.host), 1)

	resp, err := m.inner.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(counterFor(&m.metrics.totalErrors, m.host), 1)
		return nil, err
	}
	if !resp.Close {
		atomic.AddInt64(counterFor(&m.metrics.connectionReuses, m.host), 1)
	}
	return resp, nil
}
