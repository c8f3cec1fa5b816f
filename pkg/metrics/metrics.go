// Package metrics provides Prometheus instrumentation for repocache.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
)

// Metrics holds all Prometheus metric collectors for repocache.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	QueriesTotal       *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	InvalidationsTotal *prometheus.CounterVec
	InvalidatedEntries *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all repocache metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repocache_requests_total",
				Help: "Total HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repocache_request_duration_seconds",
				Help:    "HTTP request latency distribution.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"endpoint"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "repocache_active_requests",
				Help: "Number of requests currently being processed.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repocache_queries_total",
				Help: "Repository queries by operation and cache outcome (hit, miss, error).",
			},
			[]string{"operation", "outcome"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repocache_query_duration_seconds",
				Help:    "Repository query latency by operation and cache outcome.",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "outcome"},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repocache_invalidations_total",
				Help: "Mutation-driven invalidation runs by mutation.",
			},
			[]string{"mutation"},
		),
		InvalidatedEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repocache_invalidated_entries_total",
				Help: "Cache entries removed by mutation-driven invalidation.",
			},
			[]string{"mutation"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.QueriesTotal,
		m.QueryDuration,
		m.InvalidationsTotal,
		m.InvalidatedEntries,
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCache exports the snapshot returned by stats on every scrape.
func (m *Metrics) RegisterCache(stats func() cache.Stats) error {
	return m.registry.Register(NewCacheCollector(stats))
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request's metrics.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordQuery records one repository query.
func (m *Metrics) RecordQuery(op string, outcome string, latency time.Duration) {
	m.QueriesTotal.WithLabelValues(op, outcome).Inc()
	m.QueryDuration.WithLabelValues(op, outcome).Observe(latency.Seconds())
}

// RecordInvalidation records one invalidation run.
func (m *Metrics) RecordInvalidation(mutation string, removed int) {
	m.InvalidationsTotal.WithLabelValues(mutation).Inc()
	m.InvalidatedEntries.WithLabelValues(mutation).Add(float64(removed))
}

// Middleware returns an HTTP middleware that instruments requests.
func (m *Metrics) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RecordRequest(endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming handlers keep working.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
