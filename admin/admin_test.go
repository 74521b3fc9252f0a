package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lidarr-plugins/streamcore/admin"
	"github.com/lidarr-plugins/streamcore/breaker"
	"github.com/lidarr-plugins/streamcore/dedup"
	"github.com/lidarr-plugins/streamcore/respcache"
)

type fixedPolicy struct{ policy respcache.Policy }

func (f fixedPolicy) GetPolicy(endpoint, params string) respcache.Policy { return f.policy }

func newTestServer(t *testing.T) (*httptest.Server, *respcache.Cache, map[string]*breaker.Breaker) {
	t.Helper()
	cache := respcache.New(respcache.Config{ServiceName: "svc", Policies: fixedPolicy{policy: respcache.Policy{Duration: time.Minute}}})
	br, err := breaker.New(breaker.Default("checkout"))
	if err != nil {
		t.Fatal(err)
	}
	breakers := map[string]*breaker.Breaker{"checkout": br}

	h := &admin.Handler{
		Cache:    cache,
		Dedup:    dedup.New(0),
		Breakers: func() map[string]*breaker.Breaker { return breakers },
	}
	r := chi.NewRouter()
	h.Routes(r)
	return httptest.NewServer(r), cache, breakers
}

func TestCacheStatsReflectsLiveCounters(t *testing.T) {
	srv, cache, _ := newTestServer(t)
	defer srv.Close()

	cache.Set("/docs", "", "", []byte("hi"), "text/plain", respcache.Validators{})
	cache.Get("/docs", "", "")

	resp, err := http.Get(srv.URL + "/cache/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats respcache.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Fatalf("Entries = %d, want 1", stats.Entries)
	}
}

func TestFlushEndpointRemovesOnlyThatEndpoint(t *testing.T) {
	srv, cache, _ := newTestServer(t)
	defer srv.Close()

	cache.Set("endpoint-a", "", "", []byte("a"), "text/plain", respcache.Validators{})
	cache.Set("endpoint-b", "", "", []byte("b"), "text/plain", respcache.Validators{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/cache/endpoint-a", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if _, ok := cache.Get("endpoint-a", "", ""); ok {
		t.Fatal("expected endpoint-a entry to be flushed")
	}
	if _, ok := cache.Get("endpoint-b", "", ""); !ok {
		t.Fatal("expected endpoint-b entry to survive a flush scoped to endpoint-a")
	}
}

func TestListBreakersReportsState(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/breakers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var views []struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Name != "checkout" || views[0].State != "closed" {
		t.Fatalf("unexpected breaker views: %+v", views)
	}
}

func TestResetBreakerForcesClosed(t *testing.T) {
	srv, _, breakers := newTestServer(t)
	defer srv.Close()

	failing := errors.New("upstream down")
	for i := 0; i < 10; i++ {
		_, _ = breaker.Execute(breakers["checkout"], context.Background(), "op", func(context.Context) (struct{}, error) {
			return struct{}{}, failing
		})
	}
	if breakers["checkout"].State() != breaker.Open {
		t.Fatal("expected breaker to be open after repeated failures")
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/breakers/checkout/reset", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if breakers["checkout"].State() != breaker.Closed {
		t.Fatal("expected breaker to be closed after reset")
	}
}
