// Package metrics exposes Prometheus collectors for the transfer pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransfersEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_transfers_enqueued_total",
		Help: "The total number of transfer jobs accepted for processing",
	}, []string{"type"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"type", "status"}) // status: completed, failed, retried

	AnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaq_analysis_duration_seconds",
		Help:    "Duration of resource analysis calls.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"type"})

	BridgeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_bridge_messages_total",
		Help: "Messages moved through the broker bridge",
	}, []string{"direction", "outcome"}) // direction: produced, consumed

	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaq_event_connections",
		Help: "Currently registered real-time event connections",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediaq_queue_depth",
		Help: "Jobs waiting in the in-process queue",
	}, []string{"state"}) // state: queued, processing
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
