package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the route pattern rather than the raw URL path.
	labelHandler = "handler"
)

// Outcome label values for chat and troubleshooting requests.
const (
	outcomeOK      = "ok"
	outcomeTimeout = "timeout"
	outcomeError   = "error"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// chatRequestsTotal counts completed /api/chat requests, partitioned by
	// outcome: "ok", "timeout", or "error".
	chatRequestsTotal *prometheus.CounterVec

	// chatDurationSeconds records the wall-clock duration of each /api/chat
	// request.
	chatDurationSeconds *prometheus.HistogramVec

	// chatInFlight is the number of /api/chat requests being answered.
	chatInFlight prometheus.Gauge

	// troubleshootingRequestsTotal counts /api/troubleshooting requests by outcome.
	troubleshootingRequestsTotal *prometheus.CounterVec

	// uploadsTotal counts accepted and rejected uploads by status code.
	uploadsTotal *prometheus.CounterVec

	// rateLimitedTotal counts 429 responses by limiter.
	rateLimitedTotal *prometheus.CounterVec

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppta",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of /api/chat requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ppta",
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/chat requests.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		chatInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ppta",
			Subsystem: "chat",
			Name:      "in_flight",
			Help:      "Number of /api/chat requests currently being answered.",
		}),

		troubleshootingRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppta",
			Subsystem: "troubleshooting",
			Name:      "requests_total",
			Help:      "Total number of /api/troubleshooting requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppta",
			Subsystem: "documents",
			Name:      "uploads_total",
			Help:      "Total number of document uploads, partitioned by response code.",
		}, []string{"code"}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppta",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected with 429, partitioned by limiter.",
		}, []string{"limiter"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppta",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ppta",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}
