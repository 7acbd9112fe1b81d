// Package metrics exposes CHAPPS's Prometheus metrics surface, grounded
// on the teacher's endpoint/smtp/metrics.go (CounterVec shape) and
// endpoint/openmetrics/om.go (the promhttp.Handler()-backed listener).
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decisions counts every final handler decision by resulting
	// directive token (DUNNO, REJECT, DEFER_IF_PERMIT, ...). The only
	// call site, handler.Approve, sets the policy label to "handler".
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chapps",
			Name:      "policy_decisions_total",
			Help:      "Policy decisions made, by policy and resulting directive",
		},
		[]string{"policy", "directive"},
	)

	// CacheHits counts per-instance handler cache hits, the signal
	// behind spec.md §8's instance-dedup invariant.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chapps",
			Name:      "handler_cache_hits_total",
			Help:      "Requests served from the per-instance handler cache",
		},
		[]string{},
	)

	// RequestLatency observes the time the handler spends on one request
	// (after parsing, before the response is written), bounded above by
	// the request budget.
	RequestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chapps",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling one policy delegation request",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RedisUnavailable counts errors created by cache.NewErrUnavailable,
	// so operators can see degraded-fallback behavior directly. That
	// constructor is the only call site and sets the policy label to
	// "cache".
	RedisUnavailable = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chapps",
			Name:      "redis_unavailable_total",
			Help:      "Redis operations that failed and fell back to a safe default",
		},
		[]string{"policy"},
	)
)

func init() {
	prometheus.MustRegister(Decisions, CacheHits, RequestLatency, RedisUnavailable)
}

// Server serves /metrics on its own listener, separate from the policy
// ports, per SPEC_FULL.md §6's "ambient concern, not the admin API"
// note.
type Server struct {
	http *http.Server
}

// NewServer builds (but does not start) a metrics HTTP server on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe blocks until Shutdown is called or the listener
// errors.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
