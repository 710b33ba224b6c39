// Package metrics exposes Prometheus metrics of the send engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels of a send attempt
const (
	OutcomeSent     = "sent"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics of the engine
type Metrics struct {
	// Batch metrics
	BatchesTotal   *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	ClaimedItems   prometheus.Counter
	ReclaimedItems prometheus.Counter
	Materialized   prometheus.Counter

	// Delivery metrics
	SendAttempts    *prometheus.CounterVec
	SendDuration    prometheus.Histogram
	PermanentErrors prometheus.Counter

	// Control metrics
	ControlOps *prometheus.CounterVec
}

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sendqueue_batches_total",
			Help: "Processor invocations by result",
		}, []string{"result"}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sendqueue_batch_duration_seconds",
			Help:    "Duration of processor invocations",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		ClaimedItems: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendqueue_claimed_items_total",
			Help: "Queue items claimed",
		}),
		ReclaimedItems: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendqueue_reclaimed_items_total",
			Help: "Stale claims returned to the queue",
		}),
		Materialized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendqueue_materialized_recipients_total",
			Help: "Ledger entries created by auto-materialization",
		}),
		SendAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sendqueue_send_attempts_total",
			Help: "Claimed items by outcome",
		}, []string{"outcome"}),
		SendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sendqueue_send_duration_seconds",
			Help:    "Duration of transport calls",
			Buckets: prometheus.DefBuckets,
		}),
		PermanentErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sendqueue_permanent_transport_errors_total",
			Help: "Transport failures classified as permanent rejections",
		}),
		ControlOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sendqueue_control_operations_total",
			Help: "Campaign control operations by operation and result",
		}, []string{"operation", "result"}),
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
