// Package forwarding delivers processed records downstream and records the
// response on the record. It never retries on its own.
package forwarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/telhawk-systems/relay/common/database"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
	"github.com/telhawk-systems/relay/dispatch/internal/dlq"
	"github.com/telhawk-systems/relay/dispatch/internal/metrics"
	"github.com/telhawk-systems/relay/dispatch/internal/webhook"
	"github.com/telhawk-systems/relay/dispatch/internal/worker"
)

const (
	stage          = "forwarding"
	DefaultTimeout = 30 * time.Second

	// BodySnippetBytes caps the response body kept on a record.
	BodySnippetBytes = 2048
)

// Error kinds stored on downstream_error records.
const (
	KindTransport = "transport"
	KindHTTP4xx   = "http_4xx"
	KindHTTP5xx   = "http_5xx"
)

type Dispatcher struct {
	repo      repository.Repository
	forwarder webhook.Forwarder
	pool      *worker.Pool
	timeout   time.Duration
	sink      dlq.Sink
	logger    *slog.Logger
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithDeadLetter mirrors downstream_error records to sink.
func WithDeadLetter(sink dlq.Sink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

func NewDispatcher(repo repository.Repository, f webhook.Forwarder, pool *worker.Pool, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		forwarder: f,
		pool:      pool,
		timeout:   DefaultTimeout,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Name() string { return stage }

// RunOnce forwards every record currently in processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (worker.Result, error) {
	res, err := d.pool.Run(ctx, models.StatusProcessed, d.handle)
	if res.Total() > 0 {
		d.logger.Info("forwarding pass complete",
			slog.Int("forwarded", res.Succeeded),
			slog.Int("downstream_error", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Int("store_errors", res.StoreErrors),
		)
	}
	return res, err
}

func (d *Dispatcher) handle(ctx context.Context, rec *models.MessageRecord) worker.Outcome {
	log := d.logger.With(logging.MessageID(rec.ID), logging.LogicalID(rec.LogicalID))

	body, err := outgoingBody(rec)
	if err != nil {
		log.Error("failed to encode record for forwarding", logging.Error(err))
		msg := err.Error()
		return d.record(ctx, rec, repository.Transition{
			To:                models.StatusDownstreamError,
			Error:             &msg,
			ErrorKind:         ptr(KindTransport),
			IncrementAttempts: true,
		}, log)
	}

	callCtx, cancel := context.WithTimeout(webhook.WithMessageID(ctx, rec.ID), d.timeout)
	start := time.Now()
	resp, sendErr := d.forwarder.Send(callCtx, body)
	cancel()
	metrics.CallDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	if sendErr != nil && ctx.Err() != nil {
		return d.count(worker.Skipped)
	}

	return d.record(ctx, rec, Classify(resp, sendErr, d.timeout), log)
}

// Classify turns a downstream answer into the transition to apply.
func Classify(resp webhook.Response, sendErr error, timeout time.Duration) repository.Transition {
	if sendErr != nil {
		msg := "transport error: " + sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) || isTimeout(sendErr) {
			msg = fmt.Sprintf("transport error: no response within %s", timeout)
		}
		metrics.ForwardResponses.WithLabelValues(KindTransport).Inc()
		return repository.Transition{
			To:                models.StatusDownstreamError,
			Error:             &msg,
			ErrorKind:         ptr(KindTransport),
			IncrementAttempts: true,
		}
	}

	code := resp.StatusCode
	snippet := Snippet(resp.Body, BodySnippetBytes)
	metrics.ForwardResponses.WithLabelValues(fmt.Sprintf("%dxx", code/100)).Inc()

	if resp.OK() {
		return repository.Transition{
			To:                models.StatusForwarded,
			ForwardStatusCode: &code,
			ForwardBody:       &snippet,
			IncrementAttempts: true,
		}
	}

	msg := fmt.Sprintf("downstream returned status %d", code)
	kind := KindHTTP4xx
	if code >= 500 {
		kind = KindHTTP5xx
	}
	return repository.Transition{
		To:                models.StatusDownstreamError,
		ForwardStatusCode: &code,
		ForwardBody:       &snippet,
		Error:             &msg,
		ErrorKind:         &kind,
		IncrementAttempts: true,
	}
}

func (d *Dispatcher) record(ctx context.Context, rec *models.MessageRecord, t repository.Transition, log *slog.Logger) worker.Outcome {
	writeCtx, cancel := database.WriteContext(context.WithoutCancel(ctx))
	updated, err := d.repo.Transition(writeCtx, rec.ID, models.StatusProcessed, t)
	cancel()
	switch {
	case errors.Is(err, repository.ErrStaleTransition), errors.Is(err, repository.ErrNotFound):
		metrics.StaleTransitions.WithLabelValues(stage).Inc()
		log.Debug("record already moved on")
		return d.count(worker.Skipped)
	case err != nil:
		metrics.StoreErrors.WithLabelValues(stage).Inc()
		log.Error("failed to record forwarding result", logging.Error(err))
		return d.count(worker.StoreError)
	}

	if t.To == models.StatusForwarded {
		log.Debug("record forwarded", logging.Status(*t.ForwardStatusCode))
		return d.count(worker.Succeeded)
	}

	attrs := []any{logging.ErrorKind(*t.ErrorKind), slog.String("error", *t.Error)}
	if t.ForwardStatusCode != nil {
		attrs = append(attrs, logging.Status(*t.ForwardStatusCode))
	}
	log.Warn("forwarding failed", attrs...)

	if d.sink != nil {
		pubCtx, cancel := database.QueryContext(context.WithoutCancel(ctx))
		if err := d.sink.Publish(pubCtx, updated); err != nil {
			log.Warn("failed to mirror record to dlq", logging.Error(err))
		}
		cancel()
	}
	return d.count(worker.Failed)
}

func (d *Dispatcher) count(o worker.Outcome) worker.Outcome {
	label := "store_error"
	switch o {
	case worker.Succeeded:
		label = "forwarded"
	case worker.Failed:
		label = "downstream_error"
	case worker.Skipped:
		label = "skipped"
	}
	metrics.RecordsTotal.WithLabelValues(stage, label).Inc()
	return o
}

// outgoingBody is the enriched payload, or the original payload when
// enrichment produced nothing.
func outgoingBody(rec *models.MessageRecord) (json.RawMessage, error) {
	if len(rec.EnrichedPayload) > 0 {
		return rec.EnrichedPayload, nil
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Snippet cuts b to at most max bytes without splitting a UTF-8 sequence.
func Snippet(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return strings.ToValidUTF8(string(b), "")
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func ptr[T any](v T) *T { return &v }
