package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the service. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	NetworkEvents    prometheus.Histogram
	SessionWarnings  prometheus.Counter
	TeardownFailures prometheus.Counter

	// Cache metrics
	CacheLookups *prometheus.CounterVec
	CacheEntries prometheus.Gauge

	// Request log metrics
	LogRecordsPersisted prometheus.Counter
	LogRecordsDropped   *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "render_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint"},
		),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "render_sessions_active",
			Help: "Number of browser sessions currently running",
		}),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_sessions_total",
				Help: "Browser sessions by outcome (complete, degraded, failed)",
			},
			[]string{"outcome"},
		),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_session_duration_seconds",
			Help:    "Wall-clock duration of a browser session",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		}),
		NetworkEvents: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_session_network_events",
			Help:    "Network events recorded per session",
			Buckets: prometheus.ExponentialBuckets(4, 2, 10),
		}),
		SessionWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "render_session_warnings_total",
			Help: "Warnings downgraded from capture or navigation failures",
		}),
		TeardownFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "render_session_teardown_failures_total",
			Help: "Errors raised while closing browser resources",
		}),

		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_cache_lookups_total",
				Help: "Cache lookups by result (hit, miss, bypass)",
			},
			[]string{"result"},
		),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "render_cache_entries",
			Help: "Live entries in the response cache",
		}),

		LogRecordsPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "render_request_log_persisted_total",
			Help: "Request log rows written to the database",
		}),
		LogRecordsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_request_log_dropped_total",
				Help: "Request log rows dropped, by reason",
			},
			[]string{"reason"},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(endpoint, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
