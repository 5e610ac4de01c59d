package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/relay/common/models"
)

// MemoryRepository is an in-process Repository used by tests and by
// services started without a database.
type MemoryRepository struct {
	mu        sync.RWMutex
	records   map[int64]*models.MessageRecord
	byLogical map[string]int64
	nextID    int64
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:   make(map[int64]*models.MessageRecord),
		byLogical: make(map[string]int64),
		now:       time.Now,
	}
}

// SetClock overrides the timestamp source.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) InsertBatch(ctx context.Context, records []*models.MessageRecord) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := make([]bool, len(records))
	for i, rec := range records {
		if _, exists := r.byLogical[rec.LogicalID]; exists {
			continue
		}
		r.nextID++
		ts := r.now().UTC()
		rec.ID = r.nextID
		rec.Status = models.StatusReceived
		rec.CreatedAt = ts
		rec.UpdatedAt = ts

		r.records[rec.ID] = rec.Clone()
		r.byLogical[rec.LogicalID] = rec.ID
		inserted[i] = true
	}
	return inserted, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id int64) (*models.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) GetByLogicalID(ctx context.Context, logicalID string) (*models.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byLogical[logicalID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.records[id].Clone(), nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status models.Status, opts ListOptions) ([]*models.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.MessageRecord
	for _, rec := range r.records {
		if rec.Status != status || rec.ID <= opts.AfterID {
			continue
		}
		if !opts.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(opts.UpdatedBefore) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit := opts.limit(); len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out, nil
}

func (r *MemoryRepository) Transition(ctx context.Context, id int64, from models.Status, t Transition) (*models.MessageRecord, error) {
	if err := validateTransition(from, t); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != from {
		return nil, ErrStaleTransition
	}

	rec.Status = t.To
	if len(t.EnrichedPayload) > 0 {
		rec.EnrichedPayload = append([]byte(nil), t.EnrichedPayload...)
	}
	rec.ForwardStatusCode = copyPtr(t.ForwardStatusCode)
	rec.ForwardBody = copyPtr(t.ForwardBody)
	rec.Error = copyPtr(t.Error)
	rec.ErrorKind = copyPtr(t.ErrorKind)
	if t.IncrementAttempts {
		rec.Attempts++
	}
	rec.UpdatedAt = r.now().UTC()

	return rec.Clone(), nil
}

func (r *MemoryRepository) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.Status]int64, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) Close() {}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
