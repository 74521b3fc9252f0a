// Package streamcoreconfig loads toolkit-wide tunables from environment
// variables plus an optional .env file: default transport pool sizing,
// the default circuit breaker preset, and the Redis URL backing the
// optional response-cache mirror and conditional-validator store.
//
// Adapted from the teacher's config.Load: the env-var-with-fallback
// idiom and godotenv.Load() call carry over unchanged; the fields
// themselves are this toolkit's own (pool/breaker/redis tunables, not a
// gateway's auth/rate-limit/provider-routing settings).
package streamcoreconfig

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived tunable the toolkit's default
// wiring consults. A plugin host that wants explicit construction instead
// can ignore this package entirely and build its collaborators directly.
type Config struct {
	// Env selects the logging posture ("development" gets a console
	// writer, anything else gets structured JSON).
	Env string

	// RedisURL, if non-empty, is used to construct the optional
	// respcache.RemoteMirror and revalidate/redisstore.Store. Empty
	// disables both — the toolkit runs in-memory-only by default.
	RedisURL string

	// DefaultBreakerPreset names one of breaker's preset constructors
	// ("default", "aggressive", "lenient", "rate_limited", "api_service")
	// used for any traffic profile that doesn't specify its own.
	DefaultBreakerPreset string

	// Pool sizing, mirrored onto sendloop.PoolConfig for any host that
	// doesn't get an explicit per-host Configure call.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration

	// CacheMaxEntries bounds the in-process response cache's
	// LRU-by-insertion size.
	CacheMaxEntries int

	// DedupRequestTimeout bounds how long a dedup producer may run
	// regardless of joiner count; zero means unbounded (joiner
	// cancellation is the only way a producer stops early).
	DedupRequestTimeout time.Duration
}

// Load reads Config from the environment, trying an optional .env file
// first the way the teacher's config.Load does.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:                  getEnv("STREAMCORE_ENV", "development"),
		RedisURL:             getEnv("STREAMCORE_REDIS_URL", ""),
		DefaultBreakerPreset: getEnv("STREAMCORE_BREAKER_PRESET", "default"),
		MaxIdleConns:         getEnvInt("STREAMCORE_MAX_IDLE_CONNS", 256),
		MaxIdleConnsPerHost:  getEnvInt("STREAMCORE_MAX_IDLE_CONNS_PER_HOST", 32),
		MaxConnsPerHost:      getEnvInt("STREAMCORE_MAX_CONNS_PER_HOST", 64),
		IdleConnTimeout:      time.Duration(getEnvInt("STREAMCORE_IDLE_CONN_TIMEOUT_SEC", 90)) * time.Second,
		DialTimeout:          time.Duration(getEnvInt("STREAMCORE_DIAL_TIMEOUT_SEC", 10)) * time.Second,
		CacheMaxEntries:      getEnvInt("STREAMCORE_CACHE_MAX_ENTRIES", 10000),
		DedupRequestTimeout:  time.Duration(getEnvInt("STREAMCORE_DEDUP_TIMEOUT_SEC", 0)) * time.Second,
	}
}

// IsDevelopment reports whether Env selects development-mode logging.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
