package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/telhawk-systems/relay/common/logging"
)

// Redispatcher moves retryable failures back into the pipeline.
type Redispatcher interface {
	RedispatchRetryable(ctx context.Context, cooldown time.Duration) (int, error)
}

// RedispatchJob runs a Redispatcher on a fixed interval with gocron.
type RedispatchJob struct {
	target   Redispatcher
	interval time.Duration
	cooldown time.Duration
	logger   *slog.Logger
}

func NewRedispatchJob(target Redispatcher, interval, cooldown time.Duration, logger *slog.Logger) *RedispatchJob {
	return &RedispatchJob{target: target, interval: interval, cooldown: cooldown, logger: logger}
}

// Run blocks until ctx is done, then shuts the gocron scheduler down.
func (j *RedispatchJob) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = s.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() { j.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return err
	}

	j.logger.Info("scheduled re-dispatch enabled",
		slog.Duration("interval", j.interval),
		slog.Duration("cooldown", j.cooldown),
	)
	s.Start()

	<-ctx.Done()
	return s.Shutdown()
}

// RunOnce performs one sweep and logs the outcome.
func (j *RedispatchJob) RunOnce(ctx context.Context) int {
	moved, err := j.target.RedispatchRetryable(ctx, j.cooldown)
	if err != nil && ctx.Err() == nil {
		j.logger.Error("scheduled re-dispatch failed", logging.Error(err))
	}
	return moved
}
