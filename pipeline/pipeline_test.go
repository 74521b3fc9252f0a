package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lidarr-plugins/streamcore/breaker"
	"github.com/lidarr-plugins/streamcore/dedup"
	"github.com/lidarr-plugins/streamcore/hostgate"
	"github.com/lidarr-plugins/streamcore/reqopts"
	"github.com/lidarr-plugins/streamcore/respcache"
	"github.com/lidarr-plugins/streamcore/revalidate"
	"github.com/lidarr-plugins/streamcore/sendloop"
)

type fixedPolicyProvider struct{ policy respcache.Policy }

func (f fixedPolicyProvider) GetPolicy(endpoint, params string) respcache.Policy { return f.policy }

func newTestPipeline(t *testing.T, policy respcache.Policy) *Pipeline {
	t.Helper()
	cache := respcache.New(respcache.Config{
		ServiceName: "testsvc",
		Policies:    fixedPolicyProvider{policy: policy},
	})
	profiles := StaticProfiles{
		Default: ProfileConfig{
			Resilience: sendloop.Policy{
				MaxRetries:            3,
				RetryBudget:           2 * time.Second,
				PerRequestTimeout:     time.Second,
				MaxConcurrencyPerHost: 8,
				BaseDelay:             5 * time.Millisecond,
			},
			Breaker: breaker.Default("test"),
		},
	}
	return New(Config{
		Cache:      cache,
		Dedup:      dedup.New(0),
		Gate:       hostgate.NewRegistry(),
		Pool:       sendloop.DefaultTransportPool(),
		Profiles:   profiles,
		Revalidate: revalidate.NewMemoryStore(),
	})
}

func newGetRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestThunderingHerdCollapsesToOneUpstreamCall(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("herd"))
	}))
	defer srv.Close()

	p := newTestPipeline(t, respcache.Policy{Duration: time.Minute})
	opts := reqopts.Options{Endpoint: "/search", Parameters: "a=1%2c2&q=beatles"}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Fetch(context.Background(), newGetRequest(t, srv.URL+"/search"), opts)
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != "herd" {
				t.Errorf("body = %q, want herd", body)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}

	resp, err := p.Fetch(context.Background(), newGetRequest(t, srv.URL+"/search"), opts)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("upstream calls after cache hit = %d, want 1", got)
	}
}

func TestCancelledDuringUpstreamLeavesNoCacheOrDedupTrace(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	p := newTestPipeline(t, respcache.Policy{Duration: time.Minute})
	opts := reqopts.Options{Endpoint: "/slow", Parameters: ""}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			_, err := p.Fetch(ctx, newGetRequest(t, srv.URL+"/slow"), opts)
			if err == nil {
				t.Error("expected an error from a cancelled fetch")
			}
		}(ctx)
	}
	wg.Wait()
	close(release)

	if stats := p.dedup.Stats(); stats.ActiveRequests != 0 {
		t.Fatalf("ActiveRequests = %d, want 0 once both callers cancelled", stats.ActiveRequests)
	}
	if _, ok := p.cache.Get(opts.Endpoint, opts.Parameters, ""); ok {
		t.Fatal("expected no cache entry after a cancelled fetch")
	}
}

func TestRevalidation304SynthesizesResponseAndRefreshesTTL(t *testing.T) {
	var requests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&requests, 1)
		if n == 1 {
			w.Header().Set("ETag", `"e1"`)
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("original-body"))
			return
		}
		if r.Header.Get("If-None-Match") != `"e1"` {
			t.Errorf("If-None-Match = %q, want %q", r.Header.Get("If-None-Match"), `"e1"`)
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	p := newTestPipeline(t, respcache.Policy{Duration: 10 * time.Millisecond, EnableConditionalRevalidation: true})
	opts := reqopts.Options{Endpoint: "/doc", Parameters: ""}

	resp, err := p.Fetch(context.Background(), newGetRequest(t, srv.URL+"/doc"), opts)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "original-body" {
		t.Fatalf("body = %q, want original-body", body)
	}

	time.Sleep(20 * time.Millisecond) // let the TTL lapse

	resp, err = p.Fetch(context.Background(), newGetRequest(t, srv.URL+"/doc"), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(revalidate.HeaderRevalidated) != "true" {
		t.Fatalf("%s header missing on revalidated response", revalidate.HeaderRevalidated)
	}
	body, _ = io.ReadAll(resp.Body)
	if string(body) != "original-body" {
		t.Fatalf("revalidated body = %q, want original-body preserved from cache", body)
	}

	if entry, ok := p.cache.Get(opts.Endpoint, opts.Parameters, ""); !ok || string(entry.Payload) != "original-body" {
		t.Fatal("expected a fresh in-TTL cache entry after revalidation")
	}
	if got := atomic.LoadInt64(&requests); got != 2 {
		t.Fatalf("upstream requests = %d, want 2 (one cold fetch, one conditional)", got)
	}
}

func TestRedirect307PreservesPostMethodAndBody(t *testing.T) {
	var finalMethod, finalBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/final")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		finalMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		finalBody = string(b)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestPipeline(t, respcache.Policy{})
	opts := reqopts.Options{Endpoint: "/start", Parameters: ""}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/start", stringReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(stringReader("hello")), nil }

	resp, err := p.Fetch(context.Background(), req, opts)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if finalMethod != http.MethodPost {
		t.Fatalf("final method = %q, want POST", finalMethod)
	}
	if finalBody != "hello" {
		t.Fatalf("final body = %q, want hello", finalBody)
	}
}

func TestFairHostGateAllowsConcurrencyUpToAggregateLimit(t *testing.T) {
	var inFlight, maxObserved int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt64(&maxObserved, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gate := hostgate.NewRegistry()
	cache := respcache.New(respcache.Config{ServiceName: "svc", Policies: fixedPolicyProvider{}})
	p := New(Config{
		Cache: cache,
		Dedup: dedup.New(0),
		Gate:  gate,
		Pool:  sendloop.DefaultTransportPool(),
		Profiles: StaticProfiles{
			Default: ProfileConfig{
				Resilience: sendloop.Policy{
					MaxRetries: 0, RetryBudget: 5 * time.Second, PerRequestTimeout: 2 * time.Second,
					MaxConcurrencyPerHost: 2,
				},
				Breaker: breaker.Default("gate-test"),
			},
		},
	})

	// Distinct endpoints per profile keep these three calls out of each
	// other's dedup fingerprint (the fingerprint is endpoint + params,
	// not profile) so this exercises the host gate in isolation rather
	// than collapsing into a single-flight call.
	var wg sync.WaitGroup
	for _, profile := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(profile string) {
			defer wg.Done()
			opts := reqopts.Options{Endpoint: "/x/" + profile, Profile: profile}
			resp, err := p.Fetch(context.Background(), newGetRequest(t, srv.URL+"/x"), opts)
			if err != nil {
				t.Errorf("Fetch(%s): %v", profile, err)
				return
			}
			resp.Body.Close()
		}(profile)
	}

	deadline := time.After(time.Second)
	for {
		if atomic.LoadInt64(&maxObserved) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for at least 2 concurrent in-flight requests")
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&maxObserved); got < 2 {
		t.Fatalf("max concurrent observed = %d, want >= 2", got)
	}
}

func TestWarmupFetchesEveryEndpointConcurrently(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := newTestPipeline(t, respcache.Policy{Duration: time.Minute})

	reqs := make([]WarmupRequest, 0, 3)
	for _, endpoint := range []string{"/one", "/two", "/three"} {
		reqs = append(reqs, WarmupRequest{
			Req:  newGetRequest(t, srv.URL+endpoint),
			Opts: reqopts.Options{Endpoint: endpoint},
		})
	}

	if err := p.Warmup(context.Background(), reqs); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("upstream calls = %d, want 3", got)
	}

	for _, endpoint := range []string{"/one", "/two", "/three"} {
		if _, ok := p.cache.Get(endpoint, "", ""); !ok {
			t.Fatalf("expected %s to be cached after warmup", endpoint)
		}
	}
}

type stringReaderType struct {
	s string
	i int
}

func stringReader(s string) *stringReaderType { return &stringReaderType{s: s} }

func (r *stringReaderType) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}
