package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
	"github.com/telhawk-systems/relay/dispatch/internal/enricher"
	"github.com/telhawk-systems/relay/dispatch/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, repo repository.Repository, texts ...string) []int64 {
	t.Helper()
	records := make([]*models.MessageRecord, len(texts))
	for i, text := range texts {
		records[i] = &models.MessageRecord{
			LogicalID:  fmt.Sprintf("m%d", i+1),
			BatchIndex: i,
			Payload:    models.Payload{Author: "ayse", Text: text},
			ObservedAt: time.Date(2026, 1, 1, 9, 0, i, 0, time.UTC),
		}
	}
	_, err := repo.InsertBatch(context.Background(), records)
	require.NoError(t, err)

	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

type recordingSink struct {
	mu      sync.Mutex
	records []*models.MessageRecord
	err     error
}

func (s *recordingSink) Publish(ctx context.Context, rec *models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func upper(ctx context.Context, p models.Payload) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"summary": "enriched: " + p.Text})
}

func TestRunOnce_Success(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ids := seed(t, repo, "Güncellendi", "Tamamlandı")

	d := NewDispatcher(repo, enricher.Func(upper), worker.NewPool(repo, 2, 10), discardLogger())
	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.Result{Succeeded: 2}, res)

	rec, err := repo.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.JSONEq(t, `{"summary":"enriched: Güncellendi"}`, string(rec.EnrichedPayload))
	assert.Equal(t, 1, rec.Attempts)
	assert.Nil(t, rec.Error)

	// Nothing left in received.
	res, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestRunOnce_FaultIsolation(t *testing.T) {
	repo := repository.NewMemoryRepository()
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("message %d", i+1)
	}
	seed(t, repo, texts...)

	failing := enricher.Func(func(ctx context.Context, p models.Payload) (json.RawMessage, error) {
		if p.Text == "message 7" {
			return nil, enricher.Errorf(enricher.KindInvalidInput, "cannot summarise")
		}
		return upper(ctx, p)
	})
	sink := &recordingSink{}

	d := NewDispatcher(repo, failing, worker.NewPool(repo, 4, 3), discardLogger(), WithDeadLetter(sink))
	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), counts[models.StatusProcessed])
	assert.Equal(t, int64(1), counts[models.StatusAgentError])
	assert.Zero(t, counts[models.StatusReceived])

	failed, err := repo.ListByStatus(context.Background(), models.StatusAgentError, repository.ListOptions{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m7", failed[0].LogicalID)
	assert.Equal(t, string(enricher.KindInvalidInput), *failed[0].ErrorKind)
	assert.Contains(t, *failed[0].Error, "cannot summarise")

	require.Len(t, sink.records, 1)
	assert.Equal(t, failed[0].ID, sink.records[0].ID)
	assert.Equal(t, models.StatusAgentError, sink.records[0].Status)
}

func TestRunOnce_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want enricher.Kind
	}{
		{"rate limited", enricher.Errorf(enricher.KindRateLimited, "429"), enricher.KindRateLimited},
		{"upstream", enricher.Errorf(enricher.KindUpstreamUnavailable, "503"), enricher.KindUpstreamUnavailable},
		{"unclassified", errors.New("boom"), enricher.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepository()
			ids := seed(t, repo, "x")

			e := enricher.Func(func(context.Context, models.Payload) (json.RawMessage, error) { return nil, tt.err })
			_, err := NewDispatcher(repo, e, worker.NewPool(repo, 1, 10), discardLogger()).RunOnce(context.Background())
			require.NoError(t, err)

			rec, err := repo.GetByID(context.Background(), ids[0])
			require.NoError(t, err)
			assert.Equal(t, models.StatusAgentError, rec.Status)
			assert.Equal(t, string(tt.want), *rec.ErrorKind)
			assert.NotEmpty(t, *rec.Error)
		})
	}
}

func TestRunOnce_TimeoutIsUpstreamUnavailable(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ids := seed(t, repo, "slow")

	slow := enricher.Func(func(ctx context.Context, p models.Payload) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d := NewDispatcher(repo, slow, worker.NewPool(repo, 1, 10), discardLogger(), WithTimeout(20*time.Millisecond))
	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec, err := repo.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusAgentError, rec.Status)
	assert.Equal(t, string(enricher.KindUpstreamUnavailable), *rec.ErrorKind)
	assert.Contains(t, *rec.Error, "timed out")
}

func TestRunOnce_CancelledPassLeavesRecordReceived(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ids := seed(t, repo, "x")

	ctx, cancel := context.WithCancel(context.Background())
	e := enricher.Func(func(callCtx context.Context, p models.Payload) (json.RawMessage, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	})

	res, _ := NewDispatcher(repo, e, worker.NewPool(repo, 1, 10), discardLogger()).RunOnce(ctx)
	assert.Equal(t, 1, res.Skipped)

	rec, err := repo.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusReceived, rec.Status)
	assert.Zero(t, rec.Attempts)
}

// racingRepository moves the record on before the dispatcher writes.
type racingRepository struct {
	*repository.MemoryRepository
}

func (r racingRepository) Transition(ctx context.Context, id int64, from models.Status, t repository.Transition) (*models.MessageRecord, error) {
	if _, err := r.MemoryRepository.Transition(ctx, id, from, repository.Transition{To: models.StatusProcessed}); err != nil {
		return nil, err
	}
	return r.MemoryRepository.Transition(ctx, id, from, t)
}

func TestRunOnce_StaleTransitionIsSkipped(t *testing.T) {
	mem := repository.NewMemoryRepository()
	seed(t, mem, "x")
	repo := racingRepository{mem}

	res, err := NewDispatcher(repo, enricher.Func(upper), worker.NewPool(repo, 1, 10), discardLogger()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.Result{Skipped: 1}, res)
}

type failingWrites struct {
	*repository.MemoryRepository
}

func (failingWrites) Transition(context.Context, int64, models.Status, repository.Transition) (*models.MessageRecord, error) {
	return nil, errors.New("connection reset")
}

func TestRunOnce_StoreErrorIsCounted(t *testing.T) {
	mem := repository.NewMemoryRepository()
	seed(t, mem, "a", "b")
	repo := failingWrites{mem}

	res, err := NewDispatcher(repo, enricher.Func(upper), worker.NewPool(repo, 2, 10), discardLogger()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.Result{StoreErrors: 2}, res)
}

func TestRunOnce_DeadLetterFailureDoesNotAffectRecord(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ids := seed(t, repo, "x")
	sink := &recordingSink{err: errors.New("nats down")}

	e := enricher.Func(func(context.Context, models.Payload) (json.RawMessage, error) {
		return nil, enricher.Errorf(enricher.KindUnknown, "bad")
	})
	res, err := NewDispatcher(repo, e, worker.NewPool(repo, 1, 10), discardLogger(), WithDeadLetter(sink)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec, err := repo.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusAgentError, rec.Status)
}

func TestRunOnce_UnstorableOutputIsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"NUL in value", `{"summary":"a\u0000b"}`, "NUL"},
		{"NUL in key", `{"sum\u0000mary":"ok"}`, "NUL"},
		{"not JSON", `{"summary":`, "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepository()
			ids := seed(t, repo, "x")

			e := enricher.Func(func(context.Context, models.Payload) (json.RawMessage, error) {
				return json.RawMessage(tt.output), nil
			})
			res, err := NewDispatcher(repo, e, worker.NewPool(repo, 1, 10), discardLogger()).RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, worker.Result{Failed: 1}, res)

			rec, err := repo.GetByID(context.Background(), ids[0])
			require.NoError(t, err)
			assert.Equal(t, models.StatusAgentError, rec.Status)
			assert.Equal(t, string(enricher.KindInvalidInput), *rec.ErrorKind)
			assert.Contains(t, *rec.Error, tt.want)
			assert.Empty(t, rec.EnrichedPayload)
		})
	}
}
