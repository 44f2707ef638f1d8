package observer

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	// Labels for webhook intake metrics
	webhookLabels = []string{"event_type"}
	// Labels for recorder outcome metrics
	recorderLabels = []string{"outcome"}

	// Webhook intake counters
	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_tracker_webhooks_received_total",
			Help: "Total number of webhook notifications received, labeled by event type.",
		},
		webhookLabels,
	)
	WebhooksFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_tracker_webhooks_filtered_total",
			Help: "Total number of webhook notifications ignored by the event filter.",
		},
		webhookLabels,
	)
	WebhooksSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stage_tracker_webhooks_suppressed_total",
			Help: "Total number of webhook deliveries suppressed by the dedup window.",
		},
	)
	WebhooksRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stage_tracker_webhooks_rejected_total",
			Help: "Total number of webhook deliveries rejected (bad signature or payload).",
		},
	)

	// Recorder outcome counter: recorded, noop, error
	RecorderOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_tracker_recorder_outcomes_total",
			Help: "Total transition recorder outcomes.",
		},
		recorderLabels,
	)

	// Histogram for end-to-end notification processing duration
	ProcessingDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stage_tracker_processing_duration_seconds",
			Help:    "Histogram of end-to-end notification processing durations (fetch + record).",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	// Histogram for ledger DB operation durations
	DbOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_tracker_db_operation_duration_seconds",
			Help:    "Histogram of ledger database operation durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	// Gauge for the stage worker pool queue
	WorkerQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stage_tracker_worker_queue_length",
			Help: "Current number of tasks waiting in the stage worker pool.",
		},
	)
)

// StatusCounters is the process-local counter set served on /status for ops
// tooling. Prometheus gets the same signals; this struct exists so dashboards
// without a Prometheus scraper can still poll a plain JSON endpoint.
type StatusCounters struct {
	Received   atomic.Int64
	Filtered   atomic.Int64
	Suppressed atomic.Int64
	Rejected   atomic.Int64
	Processed  atomic.Int64
	Recorded   atomic.Int64
	NoOps      atomic.Int64
	Errors     atomic.Int64
}

// StatusSnapshot is the JSON shape of the /status response.
type StatusSnapshot struct {
	Received   int64 `json:"notifications_received"`
	Filtered   int64 `json:"notifications_filtered"`
	Suppressed int64 `json:"notifications_suppressed"`
	Rejected   int64 `json:"notifications_rejected"`
	Processed  int64 `json:"notifications_processed"`
	Recorded   int64 `json:"transitions_recorded"`
	NoOps      int64 `json:"noop_detections"`
	Errors     int64 `json:"errors"`
}

// Status is the global counter set.
var Status = &StatusCounters{}

// Snapshot returns a copy of the counters for serving.
func (c *StatusCounters) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		Received:   c.Received.Load(),
		Filtered:   c.Filtered.Load(),
		Suppressed: c.Suppressed.Load(),
		Rejected:   c.Rejected.Load(),
		Processed:  c.Processed.Load(),
		Recorded:   c.Recorded.Load(),
		NoOps:      c.NoOps.Load(),
		Errors:     c.Errors.Load(),
	}
}

// InitMetrics toggles Prometheus metric collection. The /status counters are
// always live; only the Prometheus side is switchable.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IncWebhookReceived increments the received counters.
func IncWebhookReceived(eventType string) {
	Status.Received.Add(1)
	if !metricsEnabled {
		return
	}
	WebhooksReceivedTotal.WithLabelValues(sanitizeEventType(eventType)).Inc()
}

// IncWebhookFiltered increments the filtered counters.
func IncWebhookFiltered(eventType string) {
	Status.Filtered.Add(1)
	if !metricsEnabled {
		return
	}
	WebhooksFilteredTotal.WithLabelValues(sanitizeEventType(eventType)).Inc()
}

// IncWebhookSuppressed increments the dedup-suppression counters.
func IncWebhookSuppressed() {
	Status.Suppressed.Add(1)
	if !metricsEnabled {
		return
	}
	WebhooksSuppressedTotal.Inc()
}

// IncWebhookRejected increments the rejection counters.
func IncWebhookRejected() {
	Status.Rejected.Add(1)
	if !metricsEnabled {
		return
	}
	WebhooksRejectedTotal.Inc()
}

// IncTransitionRecorded increments the recorded counters.
func IncTransitionRecorded() {
	Status.Processed.Add(1)
	Status.Recorded.Add(1)
	if !metricsEnabled {
		return
	}
	RecorderOutcomesTotal.WithLabelValues("recorded").Inc()
}

// IncTransitionNoOp increments the no-op counters.
func IncTransitionNoOp() {
	Status.Processed.Add(1)
	Status.NoOps.Add(1)
	if !metricsEnabled {
		return
	}
	RecorderOutcomesTotal.WithLabelValues("noop").Inc()
}

// IncProcessingError increments the error counters.
func IncProcessingError() {
	Status.Errors.Add(1)
	if !metricsEnabled {
		return
	}
	RecorderOutcomesTotal.WithLabelValues("error").Inc()
}

// ObserveProcessingDuration records an end-to-end processing duration.
func ObserveProcessingDuration(duration time.Duration) {
	if !metricsEnabled {
		return
	}
	ProcessingDurationSeconds.Observe(duration.Seconds())
}

// ObserveDbOperationDuration records a ledger operation duration.
func ObserveDbOperationDuration(operation string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DbOperationDurationSeconds.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// SetWorkerQueueLength updates the worker pool queue gauge.
func SetWorkerQueueLength(length int) {
	if !metricsEnabled {
		return
	}
	WorkerQueueLength.Set(float64(length))
}

// sanitizeEventType ensures the event type label is valid or returns a default.
func sanitizeEventType(eventType string) string {
	if eventType == "" {
		return "unknown"
	}
	return eventType
}
