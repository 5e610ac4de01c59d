// Package worker runs a handler over every record in one status with
// bounded concurrency.
package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/relay/common/database"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
)

const (
	DefaultConcurrency = 4
	DefaultPageSize    = 100
)

// Outcome is what a handler did with one record.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	// Skipped records were moved on by someone else, or the pass was cancelled.
	Skipped
	StoreError
)

// Result tallies one pass.
type Result struct {
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	StoreErrors int `json:"store_errors"`
}

// Total is the number of records the pass looked at.
func (r Result) Total() int {
	return r.Succeeded + r.Failed + r.Skipped + r.StoreErrors
}

func (r *Result) add(o Outcome) {
	switch o {
	case Succeeded:
		r.Succeeded++
	case Failed:
		r.Failed++
	case Skipped:
		r.Skipped++
	case StoreError:
		r.StoreErrors++
	}
}

// Handler processes one record. It must record its own failures; the pool
// never stops a pass because of one record.
type Handler func(ctx context.Context, rec *models.MessageRecord) Outcome

// Pool pages through a status in id order.
type Pool struct {
	repo        repository.Repository
	concurrency int
	pageSize    int
}

func NewPool(repo repository.Repository, concurrency, pageSize int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pool{repo: repo, concurrency: concurrency, pageSize: pageSize}
}

func (p *Pool) Concurrency() int { return p.concurrency }

// Run hands every record currently in status to handle. Records that enter
// status after the pass started with a lower id than the cursor are picked
// up by the next pass. Only listing failures are returned as errors.
func (p *Pool) Run(ctx context.Context, status models.Status, handle Handler) (Result, error) {
	var (
		res     Result
		mu      sync.Mutex
		afterID int64
	)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		listCtx, cancel := database.QueryContext(ctx)
		page, err := p.repo.ListByStatus(listCtx, status, repository.ListOptions{
			Limit:   p.pageSize,
			AfterID: afterID,
		})
		cancel()
		if err != nil {
			return res, fmt.Errorf("list %s records: %w", status, err)
		}
		if len(page) == 0 {
			return res, nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.concurrency)
		for _, rec := range page {
			g.Go(func() error {
				outcome := handle(gctx, rec)
				mu.Lock()
				res.add(outcome)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		afterID = page[len(page)-1].ID
		if len(page) < p.pageSize {
			return res, nil
		}
	}
}
