// Package scheduler drives dispatch passes on a poll interval and on wake-up
// signals.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/dispatch/internal/metrics"
	"github.com/telhawk-systems/relay/dispatch/internal/worker"
)

const DefaultInterval = 5 * time.Second

// Stage is one dispatcher run in every pass.
type Stage interface {
	Name() string
	RunOnce(ctx context.Context) (worker.Result, error)
}

// Scheduler runs its stages in order, one pass at a time.
type Scheduler struct {
	stages   []Stage
	interval time.Duration
	logger   *slog.Logger
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewScheduler creates a scheduler. Stages run in the order given, so a
// record enriched in a pass can be forwarded in the same pass.
func NewScheduler(interval time.Duration, logger *slog.Logger, stages ...Stage) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		stages:   stages,
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Wake requests a pass as soon as the current one finishes. Wakes that
// arrive during a pass collapse into one.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop until Stop or ctx is done. Call it in a goroutine.
// Calls after the first return immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.stopped)

	select {
	case <-s.stop:
		return
	default:
	}

	s.logger.Info("dispatch scheduler started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunPass(ctx, "startup")

	for {
		select {
		case <-ticker.C:
			s.RunPass(ctx, "poll")
		case <-s.wake:
			s.RunPass(ctx, "wake")
		case <-s.stop:
			s.logger.Info("dispatch scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("dispatch scheduler context cancelled")
			return
		}
	}
}

// Stop signals the loop and waits for the pass in progress to finish. It
// does not block when Start never ran.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.stopped
	}
}

// RunPass runs every stage once. A failing stage does not stop the next.
func (s *Scheduler) RunPass(ctx context.Context, trigger string) {
	metrics.Passes.WithLabelValues(trigger).Inc()
	for _, st := range s.stages {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		res, err := st.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("dispatch stage failed",
				slog.String("stage", st.Name()),
				slog.String("trigger", trigger),
				logging.Error(err),
			)
			continue
		}
		if res.Total() > 0 {
			s.logger.Debug("dispatch stage finished",
				slog.String("stage", st.Name()),
				slog.String("trigger", trigger),
				slog.Int("records", res.Total()),
				logging.Duration(time.Since(start).Milliseconds()),
			)
		}
	}
}
