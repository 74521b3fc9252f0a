// Package corestats exposes the Stats()/State() values every core
// component already produces — dedup active-requests, cache hit rate,
// breaker state, host-gate utilization — as github.com/prometheus/client_golang
// collectors, registered against a private prometheus.Registry rather
// than the global DefaultRegisterer, so a plugin host that never touches
// this package never pays for a default-registry side effect.
//
// Grounded on etalazz-vsa's churn package for the counter/gauge naming
// convention, generalized from that package's eagerly-registered
// package-level metrics into a Collector that reads each component's own
// Stats() on every scrape (a poll, not a push), which is a better fit for
// values that already live inside those components rather than being
// independently accumulated here.
package corestats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lidarr-plugins/streamcore/breaker"
	"github.com/lidarr-plugins/streamcore/dedup"
	"github.com/lidarr-plugins/streamcore/hostgate"
	"github.com/lidarr-plugins/streamcore/respcache"
)

var (
	dedupActiveDesc = prometheus.NewDesc(
		"streamcore_dedup_active_requests",
		"Number of distinct in-flight single-flight keys.",
		nil, nil,
	)
	cacheHitsDesc = prometheus.NewDesc(
		"streamcore_cache_hits_total",
		"Cumulative response cache hits.",
		nil, nil,
	)
	cacheMissesDesc = prometheus.NewDesc(
		"streamcore_cache_misses_total",
		"Cumulative response cache misses.",
		nil, nil,
	)
	cacheEvictionsDesc = prometheus.NewDesc(
		"streamcore_cache_evictions_total",
		"Cumulative response cache entries removed by capacity eviction or invalidation.",
		nil, nil,
	)
	cacheEntriesDesc = prometheus.NewDesc(
		"streamcore_cache_entries",
		"Current number of live response cache entries.",
		nil, nil,
	)
	hostGateAvailableDesc = prometheus.NewDesc(
		"streamcore_hostgate_available_permits",
		"Free permits remaining in a host's current gate generation.",
		[]string{"host"}, nil,
	)
	hostGateLimitDesc = prometheus.NewDesc(
		"streamcore_hostgate_limit",
		"Current aggregate concurrency limit for a host.",
		[]string{"host"}, nil,
	)
	breakerStateDesc = prometheus.NewDesc(
		"streamcore_breaker_state",
		"Circuit breaker state: 0=closed, 1=open, 2=half_open.",
		[]string{"circuit"}, nil,
	)
	breakerFailuresDesc = prometheus.NewDesc(
		"streamcore_breaker_failures_in_window",
		"Failures currently counted in a breaker's sliding window.",
		[]string{"circuit"}, nil,
	)
)

// Collector adapts a set of core-package collaborators into a
// prometheus.Collector. Any field left nil is simply skipped on Collect.
type Collector struct {
	Dedup     *dedup.Group
	Cache     *respcache.Cache
	HostGates *hostgate.Registry
	Breakers  func() map[string]*breaker.Breaker
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- dedupActiveDesc
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheEvictionsDesc
	ch <- cacheEntriesDesc
	ch <- hostGateAvailableDesc
	ch <- hostGateLimitDesc
	ch <- breakerStateDesc
	ch <- breakerFailuresDesc
}

// Collect implements prometheus.Collector, reading a fresh snapshot from
// each configured collaborator.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.Dedup != nil {
		stats := c.Dedup.Stats()
		ch <- prometheus.MustNewConstMetric(dedupActiveDesc, prometheus.GaugeValue, float64(stats.ActiveRequests))
	}

	if c.Cache != nil {
		stats := c.Cache.Stats()
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(stats.Hits))
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(stats.Misses))
		ch <- prometheus.MustNewConstMetric(cacheEvictionsDesc, prometheus.CounterValue, float64(stats.Evictions))
		ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(stats.Entries))
	}

	if c.HostGates != nil {
		for _, host := range c.HostGates.Hosts() {
			gate, ok := c.HostGates.Gate(host)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(hostGateAvailableDesc, prometheus.GaugeValue, float64(gate.Available()), host)
			ch <- prometheus.MustNewConstMetric(hostGateLimitDesc, prometheus.GaugeValue, float64(gate.Limit()), host)
		}
	}

	if c.Breakers != nil {
		for name, b := range c.Breakers() {
			ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, float64(b.State()), name)
			ch <- prometheus.MustNewConstMetric(breakerFailuresDesc, prometheus.GaugeValue, float64(b.Stats().FailuresInWindow), name)
		}
	}
}

// NewRegistry builds a private prometheus.Registry with collector
// registered. Using a private registry (rather than
// prometheus.DefaultRegisterer) keeps this package's metrics out of any
// other Prometheus instrumentation a plugin host already runs, unless the
// host explicitly asks to merge them in.
func NewRegistry(collector *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	return reg
}

// Handler returns an http.Handler serving reg's metrics in the standard
// Prometheus exposition format, suitable for mounting at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
