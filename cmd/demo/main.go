// Command demo wires every collaborator the toolkit exposes into one
// running process: response cache, single-flight dedup, per-host
// concurrency gate, circuit breakers, conditional revalidation, the
// integrated pipeline, admin endpoints, and a Prometheus /metrics
// endpoint. It takes no traffic of its own to proxy — see
// cmd/demoupstream for something to point it at — this is a reference
// wiring, not a deployable service.
//
// Adapted from the teacher's main.go: the same config → logger →
// collaborators → router → HTTP server → signal-driven graceful
// shutdown shape, generalized from one gateway's fixed provider registry
// into this toolkit's pipeline.Pipeline.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lidarr-plugins/streamcore/admin"
	"github.com/lidarr-plugins/streamcore/breaker"
	"github.com/lidarr-plugins/streamcore/corestats"
	"github.com/lidarr-plugins/streamcore/dedup"
	"github.com/lidarr-plugins/streamcore/hostgate"
	"github.com/lidarr-plugins/streamcore/logging"
	"github.com/lidarr-plugins/streamcore/pipeline"
	"github.com/lidarr-plugins/streamcore/respcache"
	"github.com/lidarr-plugins/streamcore/revalidate"
	"github.com/lidarr-plugins/streamcore/revalidate/redisstore"
	"github.com/lidarr-plugins/streamcore/sendloop"
	"github.com/lidarr-plugins/streamcore/streamcoreconfig"
)

// endpointPolicies is a small, explicit PolicyProvider: every endpoint
// prefix maps to a fixed caching policy. A host embedding this toolkit
// for real would likely load this from its own configuration instead of
// hardcoding it, same as the teacher's caching.Engine took a policy
// callback rather than a literal table.
type endpointPolicies struct {
	defaultPolicy respcache.Policy
}

func (e endpointPolicies) GetPolicy(endpoint, params string) respcache.Policy {
	if strings.HasPrefix(endpoint, "/conditional") {
		return respcache.Policy{Duration: 5 * time.Second, EnableConditionalRevalidation: true}
	}
	return e.defaultPolicy
}

func main() {
	addr := flag.String("addr", ":8091", "listen address")
	flag.Parse()

	cfg := streamcoreconfig.Load()
	log := logging.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("streamcore demo starting")

	cache := respcache.New(respcache.Config{
		ServiceName: "demo",
		MaxSize:     cfg.CacheMaxEntries,
		Policies:    endpointPolicies{defaultPolicy: respcache.Policy{Duration: 30 * time.Second}},
		Logger:      log,
	})

	var revalidateStore revalidate.Store = revalidate.NewMemoryStore()
	if cfg.RedisURL != "" {
		store, err := redisstore.New(cfg.RedisURL, "demo:revalidate:", time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("redis revalidation store init failed — falling back to in-memory")
		} else {
			revalidateStore = store
			log.Info().Msg("conditional revalidation backed by redis")
		}
	}

	dedupGroup := dedup.New(cfg.DedupRequestTimeout)
	gates := hostgate.NewRegistry()
	poolCfg := sendloop.DefaultPoolConfig()
	poolCfg.MaxIdleConns = cfg.MaxIdleConns
	poolCfg.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	poolCfg.MaxConnsPerHost = cfg.MaxConnsPerHost
	poolCfg.IdleConnTimeout = cfg.IdleConnTimeout
	poolCfg.DialTimeout = cfg.DialTimeout
	pool := sendloop.NewTransportPool(poolCfg).UseHostGate(gates)

	breakerPreset := presetByName(cfg.DefaultBreakerPreset)
	profiles := pipeline.StaticProfiles{
		Default: pipeline.ProfileConfig{
			Resilience: sendloop.Policy{
				MaxRetries:            3,
				RetryBudget:           10 * time.Second,
				PerRequestTimeout:     5 * time.Second,
				MaxConcurrencyPerHost: 16,
				BaseDelay:             100 * time.Millisecond,
			},
			Breaker: breakerPreset("default"),
		},
	}

	pipe := pipeline.New(pipeline.Config{
		Cache:      cache,
		Dedup:      dedupGroup,
		Gate:       gates,
		Pool:       pool,
		Profiles:   profiles,
		Revalidate: revalidateStore,
		Logger:     log,
	})

	poller := breaker.NewPoller(funcRegistry(pipe.Breakers), log, 15*time.Second)
	poller.OnStateChange(func(name string, previous, next breaker.State) {
		log.Warn().Str("circuit", name).Str("from", previous.String()).Str("to", next.String()).Msg("circuit state changed")
	})
	poller.Start()

	collector := &corestats.Collector{
		Dedup:     dedupGroup,
		Cache:     cache,
		HostGates: gates,
		Breakers:  pipe.Breakers,
	}
	metricsRegistry := corestats.NewRegistry(collector)

	adminHandler := &admin.Handler{
		Cache:    cache,
		Dedup:    dedupGroup,
		Breakers: pipe.Breakers,
		Logger:   log,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"streamcore-demo"}`))
	})
	r.Handle("/metrics", corestats.Handler(metricsRegistry))
	r.Route("/admin", adminHandler.Routes)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", *addr).Msg("streamcore demo listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("streamcore demo stopped gracefully")
	}
}

// funcRegistry adapts a func() map[string]*breaker.Breaker (pipeline's
// own live snapshot accessor) into a breaker.Registry, so the poller
// observes breakers created after it started instead of a fixed set
// frozen at construction time.
type funcRegistry func() map[string]*breaker.Breaker

func (f funcRegistry) Snapshot() map[string]*breaker.Breaker { return f() }

func presetByName(name string) func(string) breaker.Config {
	switch name {
	case "aggressive":
		return breaker.Aggressive
	case "lenient":
		return breaker.Lenient
	case "rate_limited":
		return breaker.ForRateLimitedService
	case "api_service":
		return breaker.ForApiService
	default:
		return breaker.Default
	}
}
