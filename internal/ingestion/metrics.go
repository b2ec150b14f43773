package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics owned by the pipeline.
type Metrics struct {
	// documentsTotal counts documents reaching a terminal status, partitioned
	// by status: "completed" or "failed".
	documentsTotal *prometheus.CounterVec

	// chunksTotal counts chunks published.
	chunksTotal prometheus.Counter

	// durationSeconds records processing time from submission to terminal status.
	durationSeconds *prometheus.HistogramVec

	// inFlight is the number of documents currently processing.
	inFlight prometheus.Gauge
}

// NewMetrics registers the ingestion metrics against reg. A nil reg gives
// unregistered metrics, which tests use when they do not gather.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		documentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppta",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total number of documents that finished processing, partitioned by status.",
		}, []string{"status"}),

		chunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ppta",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Total number of chunks published to the vector store.",
		}),

		durationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ppta",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Processing time of a document from submission to terminal status.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"status"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ppta",
			Subsystem: "ingest",
			Name:      "in_flight",
			Help:      "Number of documents currently being processed.",
		}),
	}
}
