package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/relay/dispatch/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStage struct {
	name  string
	runs  atomic.Int32
	err   error
	order *[]string
	mu    *sync.Mutex
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) RunOnce(ctx context.Context) (worker.Result, error) {
	f.runs.Add(1)
	if f.order != nil {
		f.mu.Lock()
		*f.order = append(*f.order, f.name)
		f.mu.Unlock()
	}
	return worker.Result{Succeeded: 1}, f.err
}

func TestRunPass_StagesInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	enrich := &fakeStage{name: "enrichment", order: &order, mu: &mu}
	forward := &fakeStage{name: "forwarding", order: &order, mu: &mu}

	NewScheduler(time.Hour, discardLogger(), enrich, forward).RunPass(context.Background(), "test")
	assert.Equal(t, []string{"enrichment", "forwarding"}, order)
}

func TestRunPass_FailingStageDoesNotStopNext(t *testing.T) {
	first := &fakeStage{name: "enrichment", err: errors.New("db down")}
	second := &fakeStage{name: "forwarding"}

	NewScheduler(time.Hour, discardLogger(), first, second).RunPass(context.Background(), "test")
	assert.Equal(t, int32(1), first.runs.Load())
	assert.Equal(t, int32(1), second.runs.Load())
}

func TestStart_RunsImmediatelyAndOnWake(t *testing.T) {
	stage := &fakeStage{name: "enrichment"}
	s := NewScheduler(time.Hour, discardLogger(), stage)

	go s.Start(context.Background())
	require.Eventually(t, func() bool { return stage.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Wake()
	require.Eventually(t, func() bool { return stage.runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestStart_Polls(t *testing.T) {
	stage := &fakeStage{name: "enrichment"}
	s := NewScheduler(10*time.Millisecond, discardLogger(), stage)

	go s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return stage.runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStart_ContextCancel(t *testing.T) {
	s := NewScheduler(time.Hour, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}

func TestStop_WithoutStart(t *testing.T) {
	stage := &fakeStage{name: "enrichment"}
	s := NewScheduler(time.Hour, discardLogger(), stage)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}

	// A Start after Stop exits without running a pass.
	s.Start(context.Background())
	assert.Zero(t, stage.runs.Load())
}

func TestStart_SecondCallReturns(t *testing.T) {
	s := NewScheduler(time.Hour, discardLogger(), &fakeStage{name: "enrichment"})
	go s.Start(context.Background())
	require.Eventually(t, func() bool { return s.started.Load() }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Start did not return")
	}
	s.Stop()
}

func TestWake_Collapses(t *testing.T) {
	s := NewScheduler(time.Hour, discardLogger())
	s.Wake()
	s.Wake()
	s.Wake()
	assert.Len(t, s.wake, 1)
}

func TestNewScheduler_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultInterval, NewScheduler(0, discardLogger()).interval)
}

type fakeRedispatcher struct {
	calls    atomic.Int32
	cooldown time.Duration
	err      error
}

func (f *fakeRedispatcher) RedispatchRetryable(ctx context.Context, cooldown time.Duration) (int, error) {
	f.calls.Add(1)
	f.cooldown = cooldown
	return 3, f.err
}

func TestRedispatchJob_RunOnce(t *testing.T) {
	target := &fakeRedispatcher{}
	job := NewRedispatchJob(target, time.Minute, 10*time.Minute, discardLogger())

	assert.Equal(t, 3, job.RunOnce(context.Background()))
	assert.Equal(t, 10*time.Minute, target.cooldown)

	target.err = errors.New("db down")
	job.RunOnce(context.Background())
	assert.Equal(t, int32(2), target.calls.Load())
}

func TestRedispatchJob_RunFiresOnInterval(t *testing.T) {
	target := &fakeRedispatcher{}
	job := NewRedispatchJob(target, 20*time.Millisecond, time.Minute, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- job.Run(ctx) }()

	require.Eventually(t, func() bool { return target.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}
