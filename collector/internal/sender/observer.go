package sender

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/telhawk-systems/relay/collector/internal/client"
	"github.com/telhawk-systems/relay/collector/internal/metrics"
	"github.com/telhawk-systems/relay/collector/internal/queue"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/models"
)

// Observer is told about every state change of the delivery path.
type Observer interface {
	AttemptStarted(a Attempt)
	Succeeded(a Attempt, resp *models.BatchResponse, elapsed time.Duration)
	Retrying(a Attempt, err error, delay time.Duration)
	Exhausted(a Attempt, err error)
	Evicted(e queue.Entry)
}

// LogObserver reports through slog and the collector's Prometheus metrics.
type LogObserver struct {
	logger *slog.Logger
}

var _ Observer = (*LogObserver)(nil)

func NewObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Watch publishes q's capacity and current depth.
func (o *LogObserver) Watch(q *queue.Queue) {
	metrics.QueueCapacity.Set(float64(q.Stats().Capacity))
	metrics.QueueDepth.Set(float64(q.Len()))
}

func (o *LogObserver) AttemptStarted(a Attempt) {
	metrics.BatchAttempts.Inc()
	metrics.RetryCount.Set(float64(a.Retry))
	o.depth(a.QueueDepth)
	o.logger.Debug("sending batch",
		logging.BatchID(a.BatchID),
		slog.Int("size", a.Size),
		logging.Retry(a.Retry),
		logging.QueueDepth(a.QueueDepth),
	)
}

func (o *LogObserver) Succeeded(a Attempt, resp *models.BatchResponse, elapsed time.Duration) {
	metrics.BatchesSucceeded.Inc()
	metrics.SendDuration.Observe(elapsed.Seconds())
	metrics.RetryCount.Set(0)
	o.depth(a.QueueDepth)

	attrs := []any{
		logging.BatchID(a.BatchID),
		slog.Int("size", a.Size),
		logging.Retry(a.Retry),
		logging.QueueDepth(a.QueueDepth),
		logging.Duration(elapsed.Milliseconds()),
	}
	if resp != nil {
		metrics.EventOutcomes.WithLabelValues(string(models.OutcomeInserted)).Add(float64(resp.Inserted))
		metrics.EventOutcomes.WithLabelValues(string(models.OutcomeDuplicate)).Add(float64(resp.Duplicates))
		metrics.EventOutcomes.WithLabelValues(string(models.OutcomeRejected)).Add(float64(resp.Rejected))
		attrs = append(attrs,
			slog.Int("inserted", resp.Inserted),
			slog.Int("duplicates", resp.Duplicates),
			slog.Int("rejected", resp.Rejected),
		)
		for _, r := range resp.Results {
			if r.Outcome == models.OutcomeRejected {
				o.logger.Warn("event rejected by ingestion",
					logging.BatchID(a.BatchID),
					logging.LogicalID(r.LogicalID),
					slog.String("reason", r.Reason),
				)
			}
		}
	}
	o.logger.Info("batch delivered", attrs...)
}

func (o *LogObserver) Retrying(a Attempt, err error, delay time.Duration) {
	reason := "transport"
	var se *client.StatusError
	if errors.As(err, &se) {
		reason = strconv.Itoa(se.StatusCode)
	}
	metrics.BatchRetries.WithLabelValues(reason).Inc()
	metrics.RetryCount.Set(float64(a.Retry))
	o.depth(a.QueueDepth)
	o.logger.Warn("batch send failed, retrying",
		logging.BatchID(a.BatchID),
		slog.Int("size", a.Size),
		logging.Retry(a.Retry),
		logging.QueueDepth(a.QueueDepth),
		slog.Duration("delay", delay),
		logging.Error(err),
	)
}

func (o *LogObserver) Exhausted(a Attempt, err error) {
	metrics.BatchesExhausted.Inc()
	metrics.EventsDropped.Add(float64(a.Size))
	metrics.RetryCount.Set(0)
	o.depth(a.QueueDepth)
	o.logger.Error("batch dropped after exhausting retries",
		logging.BatchID(a.BatchID),
		slog.Int("dropped", a.Size),
		logging.Retry(a.Retry),
		logging.QueueDepth(a.QueueDepth),
		logging.Error(err),
	)
}

func (o *LogObserver) Evicted(e queue.Entry) {
	metrics.EventsEvicted.Inc()
	o.logger.Warn("queue full, evicted oldest event",
		logging.LogicalID(e.Event.LogicalID),
		slog.Uint64("seq", e.Seq),
		slog.Time("enqueued_at", e.EnqueuedAt),
	)
}

func (o *LogObserver) depth(n int) {
	metrics.QueueDepth.Set(float64(n))
}
