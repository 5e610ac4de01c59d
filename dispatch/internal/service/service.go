// Package service holds the operator-facing operations of the dispatch
// service: inspecting records and moving failed ones back into the pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/relay/common/database"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
	"github.com/telhawk-systems/relay/dispatch/internal/enricher"
	"github.com/telhawk-systems/relay/dispatch/internal/forwarding"
	"github.com/telhawk-systems/relay/dispatch/internal/metrics"
)

var ErrNotRedispatchable = errors.New("message is not in an error status")

// Trigger labels what caused a re-dispatch.
const (
	TriggerOperator  = "operator"
	TriggerScheduled = "scheduled"
)

// Waker is notified when records re-enter the pipeline.
type Waker interface {
	Wake()
}

type Service struct {
	repo   repository.Repository
	waker  Waker
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo repository.Repository, waker Waker, logger *slog.Logger) *Service {
	return &Service{repo: repo, waker: waker, logger: logger, now: time.Now}
}

func (s *Service) Get(ctx context.Context, id int64) (*models.MessageRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.repo.GetByID(ctx, id)
}

// List pages through one status in id order.
func (s *Service) List(ctx context.Context, status models.Status, limit int, afterID int64) ([]*models.MessageRecord, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.repo.ListByStatus(ctx, status, repository.ListOptions{Limit: limit, AfterID: afterID})
}

// Stats counts records per status and refreshes the status gauge.
func (s *Service) Stats(ctx context.Context) (map[models.Status]int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		metrics.MessagesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	return counts, nil
}

func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.repo.Ping(ctx)
}

// Redispatch moves a failed record back to the state it failed from:
// agent_error to received, downstream_error to processed. Error and
// forward fields are cleared; the enriched payload is kept.
func (s *Service) Redispatch(ctx context.Context, id int64) (*models.MessageRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.redispatch(ctx, rec, TriggerOperator)
	if err != nil {
		return nil, err
	}
	s.wake()
	return updated, nil
}

// RedispatchRetryable re-dispatches every failed record whose failure may
// clear on its own and that has not changed for at least cooldown.
func (s *Service) RedispatchRetryable(ctx context.Context, cooldown time.Duration) (int, error) {
	cutoff := s.now().Add(-cooldown)
	moved := 0

	for _, status := range []models.Status{models.StatusAgentError, models.StatusDownstreamError} {
		var afterID int64
		for {
			page, err := s.listStale(ctx, status, afterID, cutoff)
			if err != nil {
				return moved, err
			}
			for _, rec := range page {
				if !Retryable(rec) {
					continue
				}
				_, err := s.redispatch(ctx, rec, TriggerScheduled)
				switch {
				case errors.Is(err, repository.ErrStaleTransition):
				case err != nil:
					return moved, err
				default:
					moved++
				}
			}
			if len(page) < repository.MaxListLimit {
				break
			}
			afterID = page[len(page)-1].ID
		}
	}

	if moved > 0 {
		s.logger.Info("scheduled re-dispatch", slog.Int("records", moved))
		s.wake()
	}
	return moved, nil
}

func (s *Service) listStale(ctx context.Context, status models.Status, afterID int64, cutoff time.Time) ([]*models.MessageRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.repo.ListByStatus(ctx, status, repository.ListOptions{
		Limit:         repository.MaxListLimit,
		AfterID:       afterID,
		UpdatedBefore: cutoff,
	})
}

func (s *Service) redispatch(ctx context.Context, rec *models.MessageRecord, trigger string) (*models.MessageRecord, error) {
	target, ok := rec.Status.RedispatchTarget()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRedispatchable, rec.Status)
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	updated, err := s.repo.Transition(ctx, rec.ID, rec.Status, repository.Transition{To: target})
	if err != nil {
		return nil, err
	}

	metrics.Redispatched.WithLabelValues(string(rec.Status), trigger).Inc()
	s.logger.Info("message re-dispatched",
		logging.MessageID(rec.ID),
		slog.String("from", string(rec.Status)),
		slog.String("to", string(target)),
		slog.String("trigger", trigger),
	)
	return updated, nil
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

// Retryable reports whether a failed record's error is one that may clear
// without anyone changing the input: a rate-limited or unavailable
// enricher, or a downstream transport failure or 5xx.
func Retryable(rec *models.MessageRecord) bool {
	kind := ""
	if rec.ErrorKind != nil {
		kind = *rec.ErrorKind
	}
	switch rec.Status {
	case models.StatusAgentError:
		return enricher.Kind(kind).Retryable()
	case models.StatusDownstreamError:
		return kind == forwarding.KindTransport || kind == forwarding.KindHTTP5xx
	default:
		return false
	}
}
