// Package observability holds the prometheus registry and the metrics the
// decision path reports: verdict counters, decision latency, and cache
// effectiveness.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the service's prometheus metrics. A nil *Metrics is a
// no-op everywhere, so tests can skip wiring it.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisionsTotal   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	auditQueueDepth  prometheus.Gauge
}

// NewMetrics initializes the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentra_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentra_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentra_decisions_total",
		Help: "Authorization decisions by verdict and reason.",
	}, []string{"verdict", "reason"})
	decisionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentra_decision_duration_seconds",
		Help:    "End-to-end Decide latency.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentra_snapshot_cache_hits_total",
		Help: "Grant snapshot cache hits.",
	})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentra_snapshot_cache_misses_total",
		Help: "Grant snapshot cache misses.",
	})
	auditQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentra_audit_queue_depth",
		Help: "Pending best-effort audit appends.",
	})
	registry.MustRegister(requests, duration, decisions, decisionDuration, cacheHits, cacheMisses, auditQueueDepth)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		decisionsTotal:   decisions,
		decisionDuration: decisionDuration,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		auditQueueDepth:  auditQueueDepth,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision records one Decide outcome.
func (m *Metrics) ObserveDecision(verdict, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(verdict, reason).Inc()
	m.decisionDuration.Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a snapshot cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

// SetAuditQueueDepth reports the pending audit append count.
func (m *Metrics) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(depth))
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
