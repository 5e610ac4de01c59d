package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_collector_queue_depth",
			Help: "Entries owned by the local queue, queued plus in flight",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_collector_queue_capacity",
			Help: "Maximum capacity of the local queue",
		},
	)

	EventsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_collector_events_enqueued_total",
			Help: "Total number of events accepted into the local queue",
		},
	)

	EventsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_collector_events_evicted_total",
			Help: "Total number of events evicted from a full queue",
		},
	)

	// Sender metrics
	BatchAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_collector_batch_attempts_total",
			Help: "Total number of batch send attempts",
		},
	)

	BatchesSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_collector_batches_succeeded_total",
			Help: "Total number of batches accepted by ingestion",
		},
	)

	BatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_collector_batch_retries_total",
			Help: "Total number of scheduled batch retries",
		},
		[]string{"reason"},
	)

	BatchesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_collector_batches_exhausted_total",
			Help: "Total number of batches dropped after exhausting retries",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_collector_events_dropped_total",
			Help: "Total number of events dropped with exhausted batches",
		},
	)

	EventOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_collector_event_outcomes_total",
			Help: "Per-event outcomes reported by ingestion",
		},
		[]string{"outcome"},
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_collector_send_duration_seconds",
			Help:    "Duration of batch send attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetryCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_collector_retry_count",
			Help: "Retry count of the batch currently in flight",
		},
	)
)
