// Package enrichment moves received records to processed or agent_error.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/telhawk-systems/relay/common/database"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
	"github.com/telhawk-systems/relay/dispatch/internal/dlq"
	"github.com/telhawk-systems/relay/dispatch/internal/enricher"
	"github.com/telhawk-systems/relay/dispatch/internal/metrics"
	"github.com/telhawk-systems/relay/dispatch/internal/worker"
)

const (
	stage          = "enrichment"
	DefaultTimeout = 30 * time.Second
)

type Dispatcher struct {
	repo     repository.Repository
	enricher enricher.Enricher
	pool     *worker.Pool
	timeout  time.Duration
	sink     dlq.Sink
	logger   *slog.Logger
}

type Option func(*Dispatcher)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithDeadLetter mirrors agent_error records to sink.
func WithDeadLetter(sink dlq.Sink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

func NewDispatcher(repo repository.Repository, e enricher.Enricher, pool *worker.Pool, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:     repo,
		enricher: e,
		pool:     pool,
		timeout:  DefaultTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Name() string { return stage }

// RunOnce enriches every record currently in received.
func (d *Dispatcher) RunOnce(ctx context.Context) (worker.Result, error) {
	res, err := d.pool.Run(ctx, models.StatusReceived, d.handle)
	if res.Total() > 0 {
		d.logger.Info("enrichment pass complete",
			slog.Int("processed", res.Succeeded),
			slog.Int("agent_error", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Int("store_errors", res.StoreErrors),
		)
	}
	return res, err
}

func (d *Dispatcher) handle(ctx context.Context, rec *models.MessageRecord) worker.Outcome {
	log := d.logger.With(logging.MessageID(rec.ID), logging.LogicalID(rec.LogicalID))

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	start := time.Now()
	enriched, callErr := d.enricher.Transform(callCtx, rec.Payload)
	cancel()
	metrics.CallDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if callErr == nil {
		callErr = storable(enriched)
	}

	// Shutting down: leave the record in received for the next run.
	if callErr != nil && ctx.Err() != nil {
		return d.count(worker.Skipped)
	}

	t := repository.Transition{To: models.StatusProcessed, EnrichedPayload: enriched, IncrementAttempts: true}
	if callErr != nil {
		kind := string(enricher.KindOf(callErr))
		msg := callErr.Error()
		if enricher.IsTimeout(callErr) {
			msg = "enrichment timed out after " + d.timeout.String()
		}
		t = repository.Transition{To: models.StatusAgentError, Error: &msg, ErrorKind: &kind, IncrementAttempts: true}
		metrics.EnrichmentErrors.WithLabelValues(kind).Inc()
	}

	writeCtx, cancel := database.WriteContext(context.WithoutCancel(ctx))
	updated, err := d.repo.Transition(writeCtx, rec.ID, models.StatusReceived, t)
	cancel()
	switch {
	case errors.Is(err, repository.ErrStaleTransition), errors.Is(err, repository.ErrNotFound):
		metrics.StaleTransitions.WithLabelValues(stage).Inc()
		log.Debug("record already moved on")
		return d.count(worker.Skipped)
	case err != nil:
		metrics.StoreErrors.WithLabelValues(stage).Inc()
		log.Error("failed to record enrichment result", logging.Error(err))
		return d.count(worker.StoreError)
	}

	if callErr != nil {
		log.Warn("enrichment failed",
			logging.ErrorKind(*t.ErrorKind),
			logging.Error(callErr),
		)
		d.deadLetter(ctx, updated, log)
		return d.count(worker.Failed)
	}

	log.Debug("record enriched")
	return d.count(worker.Succeeded)
}

// storable rejects enriched output the message store cannot hold, so the
// record lands in agent_error with a reason instead of failing the write on
// every pass.
func storable(enriched json.RawMessage) error {
	if len(enriched) > 0 && !json.Valid(enriched) {
		return enricher.Errorf(enricher.KindInvalidInput, "enriched payload is not valid JSON")
	}
	if models.ContainsNUL(enriched) {
		return enricher.Errorf(enricher.KindInvalidInput, "enriched payload contains NUL characters")
	}
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, rec *models.MessageRecord, log *slog.Logger) {
	if d.sink == nil {
		return
	}
	pubCtx, cancel := database.QueryContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := d.sink.Publish(pubCtx, rec); err != nil {
		log.Warn("failed to mirror record to dlq", logging.Error(err))
	}
}

func (d *Dispatcher) count(o worker.Outcome) worker.Outcome {
	metrics.RecordsTotal.WithLabelValues(stage, outcomeLabel(o)).Inc()
	return o
}

func outcomeLabel(o worker.Outcome) string {
	switch o {
	case worker.Succeeded:
		return "processed"
	case worker.Failed:
		return "agent_error"
	case worker.Skipped:
		return "skipped"
	default:
		return "store_error"
	}
}
