// Package admin exposes read/flush/reset REST endpoints over the
// toolkit's core collaborators, adapted from the teacher's
// handler.CacheHandler: the same Stats/Flush/Invalidate verb shapes and
// writeJSON convention, generalized from one caching.Engine to the
// response cache, the single-flight group, and the circuit breakers a
// pipeline.Pipeline wires up.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lidarr-plugins/streamcore/breaker"
	"github.com/lidarr-plugins/streamcore/dedup"
	"github.com/lidarr-plugins/streamcore/respcache"
)

// BreakerLookup returns the live set of named breakers to expose, read
// fresh on every request rather than snapshotted once at construction.
type BreakerLookup func() map[string]*breaker.Breaker

// Handler serves admin endpoints over a response cache, a dedup group,
// and a set of circuit breakers. Any field left nil disables the
// endpoints that depend on it (they respond 404).
type Handler struct {
	Cache    *respcache.Cache
	Dedup    *dedup.Group
	Breakers BreakerLookup
	Logger   zerolog.Logger
}

// Routes mounts this handler's endpoints onto r under the caller's
// chosen prefix (mirroring the teacher's router.go convention of
// building a chi.Router per resource group and mounting it at call
// site).
func (h *Handler) Routes(r chi.Router) {
	r.Get("/cache/stats", h.CacheStats)
	r.Delete("/cache/{endpoint}", h.FlushEndpoint)
	r.Delete("/cache", h.FlushAll)
	r.Get("/dedup/stats", h.DedupStats)
	r.Get("/breakers", h.ListBreakers)
	r.Post("/breakers/{name}/reset", h.ResetBreaker)
}

// CacheStats handles GET /cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.Cache.Stats())
}

// FlushEndpoint handles DELETE /cache/{endpoint}, clearing every cached
// entry belonging to that endpoint within this cache's own service
// scope.
func (h *Handler) FlushEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache not configured"})
		return
	}
	endpoint := chi.URLParam(r, "endpoint")
	count := h.Cache.ClearEndpoint(endpoint)
	h.Logger.Info().Str("endpoint", endpoint).Int("evicted", count).Msg("cache endpoint flushed")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flushed":  true,
		"endpoint": endpoint,
		"evicted":  count,
	})
}

// FlushAll handles DELETE /cache, clearing every entry in this cache's
// service scope.
func (h *Handler) FlushAll(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache not configured"})
		return
	}
	count, err := h.Cache.InvalidateByPrefix(h.Cache.ServiceName() + "|")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.Logger.Info().Int("evicted", count).Msg("full cache flush")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flushed": true,
		"evicted": count,
	})
}

// DedupStats handles GET /dedup/stats.
func (h *Handler) DedupStats(w http.ResponseWriter, r *http.Request) {
	if h.Dedup == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dedup not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.Dedup.Stats())
}

type breakerView struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	FailuresInWindow int    `json:"failures_in_window"`
	TotalSuccesses   int64  `json:"total_successes"`
	TotalFailures    int64  `json:"total_failures"`
	TotalOperations  int64  `json:"total_operations"`
}

// ListBreakers handles GET /breakers, returning every breaker's current
// state and counters.
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	if h.Breakers == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "breakers not configured"})
		return
	}
	breakers := h.Breakers()
	views := make([]breakerView, 0, len(breakers))
	for name, b := range breakers {
		stats := b.Stats()
		views = append(views, breakerView{
			Name:             name,
			State:            b.State().String(),
			FailuresInWindow: stats.FailuresInWindow,
			TotalSuccesses:   stats.TotalSuccesses,
			TotalFailures:    stats.TotalFailures,
			TotalOperations:  stats.TotalOperations,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// ResetBreaker handles POST /breakers/{name}/reset, forcing the named
// circuit back to closed. Intended for operator-triggered recovery after
// a confirmed upstream fix, not for routine traffic handling.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.Breakers == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "breakers not configured"})
		return
	}
	name := chi.URLParam(r, "name")
	b, ok := h.Breakers()[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown circuit"})
		return
	}
	b.Reset()
	h.Logger.Info().Str("circuit", name).Msg("circuit breaker reset by admin request")
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true, "name": name})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
