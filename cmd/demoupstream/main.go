// Command demoupstream is a tiny chi server that simulates a flaky
// upstream for exercising the toolkit's resilience layer by hand: a
// handler that fails a configurable number of times before succeeding,
// a rate-limited endpoint that answers 429 with Retry-After, a 307
// redirect that a method/body-preserving client should follow correctly,
// and an endpoint that mislabels its gzip encoding for sniff.Transport
// to catch.
//
// Shaped like the teacher's chi-based gateway router: one middleware
// chain (request ID, panic recovery, a request logger) wrapping a flat
// set of routes, no business logic beyond what each route needs to fake
// an upstream failure mode.
package main

import (
	"bytes"
	"compress/gzip"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))

	srv := newFlakyServer()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"demoupstream"}`))
	})
	r.Get("/flaky/{name}", srv.flaky)
	r.Get("/ratelimited/{name}", srv.rateLimited)
	r.Post("/redirect-start", srv.redirectStart)
	r.Post("/redirect-start-permanent", srv.redirectStartPermanent)
	r.Post("/redirect-target", srv.redirectTarget)
	r.Get("/gzip-mislabeled", srv.gzipMislabeled)
	r.Get("/conditional/{name}", srv.conditional)

	log.Info().Str("addr", *addr).Msg("demoupstream listening")
	if err := http.ListenAndServe(*addr, r); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("demoupstream failed")
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// flakyServer tracks per-name attempt counters so /flaky/{name} and
// /ratelimited/{name} can fail a fixed number of times before succeeding,
// and /conditional/{name} can remember an ETag across requests.
type flakyServer struct {
	mu       sync.Mutex
	attempts map[string]int
	etags    map[string]string
}

func newFlakyServer() *flakyServer {
	return &flakyServer{
		attempts: make(map[string]int),
		etags:    make(map[string]string),
	}
}

// flaky answers 503 for the first two requests to a given name, then 200.
func (s *flakyServer) flaky(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	s.attempts[name]++
	n := s.attempts[name]
	s.mu.Unlock()

	if n <= 2 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "attempt %d failed", n)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "succeeded on attempt %d", n)
}

// rateLimited answers 429 with Retry-After for the first request to a
// given name, then 200.
func (s *flakyServer) rateLimited(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	s.attempts[name]++
	n := s.attempts[name]
	s.mu.Unlock()

	if n == 1 {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// redirectStart issues a 307, which a resilient client must follow while
// preserving the original method and body.
func (s *flakyServer) redirectStart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Location", "/redirect-target")
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// redirectStartPermanent issues a 301, which a client should only follow
// as an idempotent GET regardless of the original method.
func (s *flakyServer) redirectStartPermanent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Location", "/redirect-target")
	w.WriteHeader(http.StatusMovedPermanently)
}

func (s *flakyServer) redirectTarget(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "landed via %s", r.Method)
}

// gzipMislabeled writes a gzip-compressed body but claims
// Content-Type: text/plain and sends no Content-Encoding header, the
// kind of misbehaving upstream sniff.Transport exists to detect.
func (s *flakyServer) gzipMislabeled(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("this payload is actually gzip-compressed"))
	gz.Close()

	w.Header().Set("Content-Type", "text/plain")
	w.Write(buf.Bytes())
}

// conditional serves an ETag-validated resource: a plain GET gets a 200
// with an ETag; a GET carrying a matching If-None-Match gets a 304.
func (s *flakyServer) conditional(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	etag, ok := s.etags[name]
	if !ok {
		etag = fmt.Sprintf(`"%s-v1"`, name)
		s.etags[name] = etag
	}
	s.mu.Unlock()

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "content for %s", name)
}
