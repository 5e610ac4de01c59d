// Package dlq mirrors records that landed in an error status to a JetStream
// stream so they can be inspected without querying the Message Store.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/messaging"
	"github.com/telhawk-systems/relay/common/messaging/nats"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/dispatch/internal/metrics"
)

const defaultListLimit = 100

// Sink receives records that moved into agent_error or downstream_error.
type Sink interface {
	Publish(ctx context.Context, rec *models.MessageRecord) error
}

// Entry is one dead-letter message.
type Entry struct {
	Sequence          uint64         `json:"sequence,omitempty"`
	MessageID         int64          `json:"message_id"`
	LogicalID         string         `json:"logical_id"`
	Status            models.Status  `json:"status"`
	Error             string         `json:"error,omitempty"`
	ErrorKind         string         `json:"error_kind,omitempty"`
	ForwardStatusCode *int           `json:"forward_status_code,omitempty"`
	Attempts          int            `json:"attempts"`
	Payload           models.Payload `json:"payload"`
	FailedAt          time.Time      `json:"failed_at"`
}

// NewEntry captures rec as a dead-letter entry.
func NewEntry(rec *models.MessageRecord) Entry {
	e := Entry{
		MessageID:         rec.ID,
		LogicalID:         rec.LogicalID,
		Status:            rec.Status,
		ForwardStatusCode: rec.ForwardStatusCode,
		Attempts:          rec.Attempts,
		Payload:           rec.Payload,
		FailedAt:          rec.UpdatedAt.UTC(),
	}
	if rec.Error != nil {
		e.Error = *rec.Error
	}
	if rec.ErrorKind != nil {
		e.ErrorKind = *rec.ErrorKind
	}
	return e
}

// JetStreamQueue publishes entries to the RELAY_DLQ stream. A nil queue is
// a disabled DLQ.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	logger  *slog.Logger
	written atomic.Uint64
}

// NewJetStreamQueue creates the DLQ stream if needed.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *slog.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("dlq stream ready", slog.String("stream", nats.DLQStream.Name))

	return &JetStreamQueue{
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

// Publish writes rec to relay.dlq.<status>.
func (q *JetStreamQueue) Publish(ctx context.Context, rec *models.MessageRecord) error {
	if q == nil {
		return nil
	}

	data, err := json.Marshal(NewEntry(rec))
	if err != nil {
		metrics.DLQErrors.Inc()
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if _, err := q.js.PublishSync(ctx, messaging.DLQSubject(string(rec.Status)), data); err != nil {
		metrics.DLQErrors.Inc()
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	metrics.DLQPublished.Inc()
	q.logger.Debug("dlq entry published",
		logging.MessageID(rec.ID),
		logging.MessageStatus(string(rec.Status)),
	)
	return nil
}

// Stats returns stream counters.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		q.logger.Error("failed to get dlq stream info", logging.Error(err))
		return map[string]any{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": q.written.Load(),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  q.written.Load(),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List returns up to limit of the newest entries and the stream's total.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]Entry, uint64, error) {
	if q == nil {
		return nil, 0, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	msgs, total, err := q.js.Latest(ctx, nats.DLQStream.Name, limit)
	if err != nil {
		return nil, 0, err
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		var e Entry
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			q.logger.Warn("skipping unreadable dlq entry",
				slog.Uint64("sequence", msg.Sequence),
				logging.Error(err),
			)
			continue
		}
		e.Sequence = msg.Sequence
		entries = append(entries, e)
	}
	return entries, total, nil
}

// Purge removes every entry from the stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrDisabled
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	q.logger.Info("dlq purged")
	return nil
}
