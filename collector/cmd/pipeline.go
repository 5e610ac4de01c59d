package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/relay/collector/internal/client"
	"github.com/telhawk-systems/relay/collector/internal/config"
	"github.com/telhawk-systems/relay/collector/internal/metrics"
	"github.com/telhawk-systems/relay/collector/internal/producer"
	"github.com/telhawk-systems/relay/collector/internal/queue"
	"github.com/telhawk-systems/relay/collector/internal/sender"
	"github.com/telhawk-systems/relay/collector/internal/spool"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/models"
)

const spoolTimeout = 10 * time.Second

// pipeline is the producer-side delivery path: queue, sender and optional
// spool.
type pipeline struct {
	cfg      *config.Config
	logger   *slog.Logger
	queue    *queue.Queue
	sender   *sender.Sender
	spool    *spool.Spool
	restored int
}

func newPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, transport sender.Transport) (*pipeline, error) {
	observer := sender.NewObserver(logger)
	q := queue.New(cfg.Queue.Capacity, queue.WithEvictHandler(observer.Evicted))
	observer.Watch(q)

	p := &pipeline{cfg: cfg, logger: logger, queue: q}

	if cfg.Spool.Enabled {
		sp, err := spool.Open(ctx, cfg.Spool.RedisURL, cfg.Spool.Name)
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
		entries, err := sp.Load(ctx)
		if err != nil {
			sp.Close()
			return nil, err
		}
		q.Restore(entries)
		p.spool = sp
		p.restored = len(entries)
		if len(entries) > 0 {
			logger.Info("restored spooled events", slog.Int("count", len(entries)), slog.String("key", sp.Key()))
		}
	}

	if transport == nil {
		transport = client.New(cfg.Ingest.URL, cfg.Ingest.Timeout)
	}
	p.sender = sender.New(sender.Config{
		BatchSize:     cfg.Sender.BatchSize,
		BaseDelay:     cfg.Sender.BaseDelay,
		MaxDelay:      cfg.Sender.MaxDelay,
		MaxRetries:    cfg.Sender.MaxRetries,
		FlushInterval: cfg.Sender.FlushInterval,
		SendTimeout:   cfg.Ingest.Timeout,
		SessionID:     cfg.Sender.SessionID,
	}, q, transport, sender.WithObserver(observer))

	return p, nil
}

// result is what a pipeline run reports back to the user.
type result struct {
	Produced producer.Summary
	Sender   sender.Stats
	Queue    queue.Stats
	Restored int
	Spooled  int
}

// run feeds src into the queue and keeps delivering until the queue is
// empty, ctx is cancelled or drainTimeout passes. Whatever is left is
// written to the spool.
func (p *pipeline) run(ctx context.Context, src producer.Source, drainTimeout time.Duration) (result, error) {
	senderCtx, stopSender := context.WithCancel(context.Background())
	defer stopSender()

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		p.sender.Run(senderCtx)
	}()
	checkpointDone := make(chan struct{})
	if p.spool != nil {
		go func() {
			defer close(checkpointDone)
			p.spool.Checkpoint(senderCtx, p.queue, p.cfg.Spool.CheckpointInterval, p.logger)
		}()
	} else {
		close(checkpointDone)
	}
	stopMetrics := p.serveMetrics()
	defer stopMetrics()

	sessionID := p.sender.SessionID()
	produced, srcErr := src.Run(ctx, func(ev models.RawEvent) {
		if ev.ProducerSessionID == "" {
			ev.ProducerSessionID = sessionID
		}
		p.queue.Enqueue(ev)
		metrics.EventsEnqueued.Inc()
	})
	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		p.logger.Error("producer failed", logging.Error(srcErr))
	}

	p.waitDrained(ctx, drainTimeout)
	stopSender()
	<-senderDone
	// The final snapshot must not be overwritten by a checkpoint in flight.
	<-checkpointDone

	res := result{
		Produced: produced,
		Sender:   p.sender.Stats(),
		Queue:    p.queue.Stats(),
		Restored: p.restored,
	}

	if p.spool != nil {
		defer p.spool.Close()
		saveCtx, cancel := context.WithTimeout(context.Background(), spoolTimeout)
		defer cancel()
		snapshot := p.queue.Snapshot()
		if err := p.spool.Save(saveCtx, snapshot); err != nil {
			return res, fmt.Errorf("persist queue: %w", err)
		}
		res.Spooled = len(snapshot)
	} else if n := p.queue.Len(); n > 0 {
		p.logger.Warn("exiting with undelivered events and no spool configured", logging.QueueDepth(n))
	}

	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return res, srcErr
	}
	return res, nil
}

func (p *pipeline) waitDrained(ctx context.Context, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for p.queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.logger.Warn("drain timeout reached", logging.QueueDepth(p.queue.Len()))
			return
		case <-tick.C:
		}
	}
}

func (p *pipeline) serveMetrics() func() {
	if p.cfg.Metrics.Addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: p.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("metrics server failed", logging.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func printSummary(w io.Writer, res result) {
	fmt.Fprintln(w)
	okColor.Fprintln(w, "Delivery summary")
	row := func(c *color.Color, label string, n any) {
		fmt.Fprintf(w, "  %-12s %s\n", label, c.Sprint(n))
	}
	plain := dimColor
	if res.Restored > 0 {
		row(plain, "restored", res.Restored)
	}
	row(plain, "produced", res.Produced.Emitted)
	if res.Produced.Skipped > 0 {
		row(warnColor, "skipped", res.Produced.Skipped)
	}
	row(okColor, "inserted", res.Sender.Inserted)
	row(plain, "duplicates", res.Sender.Duplicates)
	row(pick(res.Sender.Rejected > 0, warnColor, plain), "rejected", res.Sender.Rejected)
	row(plain, "batches", res.Sender.Succeeded)
	row(pick(res.Sender.Retries > 0, warnColor, plain), "retries", res.Sender.Retries)
	row(pick(res.Sender.Dropped > 0, errColor, plain), "dropped", res.Sender.Dropped)
	row(pick(res.Queue.Evicted > 0, errColor, plain), "evicted", res.Queue.Evicted)
	pending := res.Queue.Queued + res.Queue.Leased
	row(pick(pending > 0, warnColor, plain), "pending", pending)
	if res.Spooled > 0 {
		row(warnColor, "spooled", res.Spooled)
	}
}

func pick(cond bool, a, b *color.Color) *color.Color {
	if cond {
		return a
	}
	return b
}
