package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/relay/common/database"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/messaging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
	ingestmodels "github.com/telhawk-systems/relay/ingest/internal/models"
	"github.com/telhawk-systems/relay/ingest/internal/metrics"
	"github.com/telhawk-systems/relay/ingest/internal/validator"
)

// ErrStore is returned when the message store could not take the batch.
// Nothing from the batch was persisted and the producer should retry.
var ErrStore = errors.New("message store unavailable")

type IngestService struct {
	repo      repository.Repository
	publisher messaging.Publisher
	chain     *validator.Chain
	logger    *slog.Logger

	stats      ingestmodels.IngestionStats
	statsMutex sync.RWMutex
	now        func() time.Time
}

// Option configures an IngestService.
type Option func(*IngestService)

// WithValidator replaces the default event validation chain.
func WithValidator(chain *validator.Chain) Option {
	return func(s *IngestService) { s.chain = chain }
}

// WithPublisher sets where wake-up notifications go. The default drops them.
func WithPublisher(p messaging.Publisher) Option {
	return func(s *IngestService) {
		if p != nil {
			s.publisher = p
		}
	}
}

func NewIngestService(repo repository.Repository, logger *slog.Logger, opts ...Option) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &IngestService{
		repo:      repo,
		publisher: messaging.Discard,
		chain:     validator.Default(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestBatch validates and stores a batch. Events are inserted in
// submission order; events whose logical id already exists are reported as
// duplicates and left untouched, so a batch can be replayed safely. An
// invalid envelope returns an error wrapping validator.ErrInvalidBatch; a
// store failure returns one wrapping ErrStore.
func (s *IngestService) IngestBatch(ctx context.Context, req *ingestmodels.BatchRequest) (*models.BatchResponse, error) {
	if err := validator.ValidateBatch(req); err != nil {
		metrics.BatchesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	log := s.logger.With(logging.BatchID(req.BatchID), logging.SessionID(req.ProducerSessionID))

	results := make([]models.EventResult, len(req.Events))
	records := make([]*models.MessageRecord, 0, len(req.Events))
	positions := make([]int, 0, len(req.Events))

	for i, in := range req.Events {
		ev, err := validator.Decode(in, req.ProducerSessionID)
		if err == nil {
			err = s.chain.Validate(ctx, &ev)
		}
		if err != nil {
			results[i] = s.rejected(log, ev.LogicalID, err)
			continue
		}
		if ev.LogicalID == "" {
			ev.LogicalID = validator.DeriveLogicalID(ev.Payload, ev.ObservedAt)
		}
		records = append(records, &models.MessageRecord{
			LogicalID:         ev.LogicalID,
			ProducerSessionID: req.ProducerSessionID,
			BatchID:           req.BatchID,
			BatchIndex:        i,
			Payload:           ev.Payload,
			ObservedAt:        ev.ObservedAt,
		})
		positions = append(positions, i)
	}

	inserted, err := s.store(ctx, records)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues("store_error").Inc()
		s.recordStoreError()
		log.Error("failed to store batch", logging.Error(err), slog.Int("events", len(records)))
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	var ids []int64
	for j, rec := range records {
		res := models.EventResult{LogicalID: rec.LogicalID, Outcome: models.OutcomeDuplicate}
		if inserted[j] {
			res.Outcome = models.OutcomeInserted
			ids = append(ids, rec.ID)
		} else {
			log.Debug("duplicate event", logging.LogicalID(rec.LogicalID))
		}
		results[positions[j]] = res
	}

	resp := &models.BatchResponse{BatchID: req.BatchID, Results: make([]models.EventResult, 0, len(results))}
	for _, res := range results {
		resp.Add(res)
		metrics.EventsTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	metrics.BatchesTotal.WithLabelValues("accepted").Inc()
	metrics.BatchSize.Observe(float64(len(req.Events)))
	s.recordBatch(resp)

	log.Info("batch ingested",
		slog.Int("inserted", resp.Inserted),
		slog.Int("duplicates", resp.Duplicates),
		slog.Int("rejected", resp.Rejected),
	)

	if len(ids) > 0 {
		s.notify(ctx, log, messaging.MessagesReceived{BatchID: req.BatchID, Inserted: len(ids), IDs: ids})
	}
	return resp, nil
}

func (s *IngestService) rejected(log *slog.Logger, logicalID string, err error) models.EventResult {
	field := "unknown"
	var rej *validator.Rejection
	if errors.As(err, &rej) && rej.Field != "" {
		field = rej.Field
	}
	metrics.RejectionsTotal.WithLabelValues(field).Inc()
	log.Warn("event rejected", logging.LogicalID(logicalID), slog.String("reason", err.Error()))
	return models.EventResult{LogicalID: logicalID, Outcome: models.OutcomeRejected, Reason: err.Error()}
}

func (s *IngestService) store(ctx context.Context, records []*models.MessageRecord) ([]bool, error) {
	if len(records) == 0 {
		return nil, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	start := time.Now()
	inserted, err := s.repo.InsertBatch(ctx, records)
	metrics.StoreDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.Inc()
		return nil, err
	}
	return inserted, nil
}

// notify tells dispatchers that new records are waiting. A lost notification
// only delays processing until the next poll.
func (s *IngestService) notify(ctx context.Context, log *slog.Logger, event messaging.MessagesReceived) {
	if err := messaging.PublishJSON(ctx, s.publisher, messaging.SubjectMessagesReceived, event); err != nil {
		metrics.PublishErrors.Inc()
		log.Warn("failed to publish notification", logging.Error(err))
	}
}

func (s *IngestService) recordBatch(resp *models.BatchResponse) {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()

	s.stats.Batches++
	s.stats.Inserted += int64(resp.Inserted)
	s.stats.Duplicates += int64(resp.Duplicates)
	s.stats.Rejected += int64(resp.Rejected)
	s.stats.LastBatch = s.now().UTC()
}

func (s *IngestService) recordStoreError() {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	s.stats.StoreErrors++
}

func (s *IngestService) GetStats() ingestmodels.IngestionStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.stats
}

// Ping checks the message store.
func (s *IngestService) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.repo.Ping(ctx)
}
