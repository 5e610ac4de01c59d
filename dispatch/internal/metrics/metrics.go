package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Per-record outcomes of a dispatch stage: enrichment or forwarding.
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_records_total",
			Help: "Records handled by dispatcher stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_call_duration_seconds",
			Help:    "Duration of enricher and forwarder calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	EnrichmentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_enrichment_errors_total",
			Help: "Enrichment failures by error kind",
		},
		[]string{"kind"},
	)

	ForwardResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_forward_responses_total",
			Help: "Downstream responses by status class",
		},
		[]string{"class"},
	)

	StaleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_stale_transitions_total",
			Help: "Records another worker had already moved on",
		},
		[]string{"stage"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_store_errors_total",
			Help: "Message store errors by stage",
		},
		[]string{"stage"},
	)

	Passes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_passes_total",
			Help: "Dispatch passes by trigger",
		},
		[]string{"trigger"},
	)

	Redispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_redispatched_total",
			Help: "Records moved back into the pipeline, by source status and trigger",
		},
		[]string{"from", "trigger"},
	)

	DLQPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dispatch_dlq_published_total",
			Help: "Terminal failures mirrored to the dead-letter stream",
		},
	)

	DLQErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dispatch_dlq_errors_total",
			Help: "Dead-letter publishes that failed",
		},
	)

	MessagesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_dispatch_messages",
			Help: "Stored messages by status, refreshed by the stats endpoint",
		},
		[]string{"status"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_http_requests_total",
			Help: "HTTP requests by path and status code",
		},
		[]string{"path", "code"},
	)
)
