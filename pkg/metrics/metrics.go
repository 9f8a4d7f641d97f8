// Package metrics defines the Prometheus metric collectors used by the CDR
// services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/resilience"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	ReportsTotal         *prometheus.CounterVec
	ReportRows           *prometheus.HistogramVec
	SourceQueryDuration  *prometheus.HistogramVec
	SourceFailuresTotal  *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
	UsageEventsTotal     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them with reg. A nil reg uses
// a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdr_reports_total",
				Help: "Reports served by endpoint and window kind (day, range, week, month).",
			},
			[]string{"endpoint", "window"},
		),
		ReportRows: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cdr_report_rows",
				Help:    "Number of rows in each served report.",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000, 2000},
			},
			[]string{"endpoint"},
		),
		SourceQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cdr_source_query_duration_seconds",
				Help:    "CDR source query latency by source, query, and status.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source", "query", "status"},
		),
		SourceFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdr_source_failures_total",
				Help: "Failed CDR source queries by source.",
			},
			[]string{"source"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of report cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of report cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		UsageEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_events_total",
				Help: "Usage events by outcome (published, dropped, consumed, invalid).",
			},
			[]string{"outcome"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ReportsTotal,
		m.ReportRows,
		m.SourceQueryDuration,
		m.SourceFailuresTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
		m.UsageEventsTotal,
	)
	return m
}

// ObserveQuery records one source query.
func (m *Metrics) ObserveQuery(source, query string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.SourceFailuresTotal.WithLabelValues(source).Inc()
	}
	m.SourceQueryDuration.WithLabelValues(source, query, status).Observe(elapsed.Seconds())
}

// SetBreakerState matches resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) SetBreakerState(name string, _, to resilience.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveCache records a report cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

// Handler returns the Prometheus scrape HTTP handler for these metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
