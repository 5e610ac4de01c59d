package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Batch metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_batches_total",
			Help: "Total number of batch requests by result",
		},
		[]string{"result"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_ingest_batch_size",
			Help:    "Number of events per accepted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	RequestBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ingest_request_bytes_total",
			Help: "Total bytes of batch bodies received",
		},
	)

	// Per-event outcomes: inserted, duplicate, rejected
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_events_total",
			Help: "Total number of events by outcome",
		},
		[]string{"outcome"},
	)

	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_rejections_total",
			Help: "Rejected events by offending field",
		},
		[]string{"field"},
	)

	// Storage metrics
	StoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_ingest_store_duration_seconds",
			Help:    "Duration of batch inserts into the message store",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ingest_store_errors_total",
			Help: "Total number of failed batch inserts",
		},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ingest_publish_errors_total",
			Help: "Wake-up notifications that could not be published",
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ingest_rate_limit_hits_total",
			Help: "Total number of rate limited batch requests",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_http_requests_total",
			Help: "HTTP requests by path and status code",
		},
		[]string{"path", "code"},
	)
)
