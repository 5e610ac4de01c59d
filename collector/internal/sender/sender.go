// Package sender moves events from the local queue to the ingestion API in
// batches, retrying with exponential backoff.
package sender

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/telhawk-systems/relay/collector/internal/client"
	"github.com/telhawk-systems/relay/collector/internal/queue"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/models"
)

// Transport delivers one batch.
type Transport interface {
	Send(ctx context.Context, batch *models.Batch) (*models.BatchResponse, error)
}

// Config controls batching and retry.
type Config struct {
	BatchSize     int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetries    int
	FlushInterval time.Duration
	SendTimeout   time.Duration
	SessionID     string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		MaxRetries:    5,
		FlushInterval: 30 * time.Second,
		SendTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(d.MaxDelay, c.BaseDelay)
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	return c
}

// Attempt describes one send of a batch, as reported to the Observer.
type Attempt struct {
	BatchID    string
	Size       int
	Retry      int
	QueueDepth int
}

// Stats are the sender's running totals.
type Stats struct {
	Attempts   int64 `json:"attempts"`
	Succeeded  int64 `json:"succeeded"`
	Retries    int64 `json:"retries"`
	Exhausted  int64 `json:"exhausted"`
	Dropped    int64 `json:"dropped"`
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
}

// attempt is the retry state of the batch currently being delivered. It
// lives from the first send of a batch until the batch succeeds or is
// exhausted.
type attempt struct {
	batchID      string
	size         int
	retries      int
	sawPermanent bool
	backoff      *backoff.ExponentialBackOff
}

// Option configures a Sender.
type Option func(*Sender)

// WithObserver replaces the default logging observer.
func WithObserver(o Observer) Option {
	return func(s *Sender) { s.observer = o }
}

// WithAfter replaces time.After for retry waits.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Sender) { s.after = after }
}

// Sender owns the single in-flight batch. Run must be called from exactly
// one goroutine.
type Sender struct {
	cfg       Config
	queue     *queue.Queue
	transport Transport
	observer  Observer
	after     func(time.Duration) <-chan time.Time

	current *attempt

	attempts   atomic.Int64
	succeeded  atomic.Int64
	retries    atomic.Int64
	exhausted  atomic.Int64
	dropped    atomic.Int64
	inserted   atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
}

func New(cfg Config, q *queue.Queue, transport Transport, opts ...Option) *Sender {
	s := &Sender{
		cfg:       cfg.withDefaults(),
		queue:     q,
		transport: transport,
		after:     time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.observer == nil {
		s.observer = NewObserver(slog.Default())
	}
	return s
}

// SessionID returns the producer session id stamped on every batch.
func (s *Sender) SessionID() string { return s.cfg.SessionID }

// Run sends batches until ctx is cancelled. A send already in flight when
// ctx is cancelled runs to completion or to its send timeout; a pending
// retry wait is abandoned and its entries stay in the queue.
func (s *Sender) Run(ctx context.Context) {
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	var retry <-chan time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		if retry == nil {
			retry = s.sendPending(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-retry:
			retry = nil
		case <-s.queue.Notify():
		case <-flush.C:
		}
	}
}

// sendPending sends batches while entries are queued. It returns a channel
// that fires when the current batch should be retried, or nil.
func (s *Sender) sendPending(ctx context.Context) <-chan time.Time {
	for ctx.Err() == nil {
		size := s.cfg.BatchSize
		if s.current != nil {
			size = s.current.size
		}

		lease, err := s.queue.Drain(size)
		if err != nil {
			slog.Error("queue drain failed", logging.Error(err))
			return nil
		}
		if lease == nil {
			return nil
		}

		if delay, retrying := s.send(ctx, lease); retrying {
			return s.after(delay)
		}
	}
	return nil
}

// send makes one attempt at delivering lease. It reports whether the batch
// was put back for a retry after delay.
func (s *Sender) send(ctx context.Context, lease *queue.Lease) (time.Duration, bool) {
	a := s.current
	if a == nil {
		a = s.newAttempt(lease.Len())
		s.current = a
	}
	info := Attempt{BatchID: a.batchID, Size: lease.Len(), Retry: a.retries, QueueDepth: s.queue.Len()}

	s.attempts.Add(1)
	s.observer.AttemptStarted(info)

	batch := &models.Batch{
		BatchID:           a.batchID,
		ProducerSessionID: s.cfg.SessionID,
		Events:            make([]models.BatchEvent, 0, lease.Len()),
	}
	for _, e := range lease.Entries {
		batch.Events = append(batch.Events, models.BatchEvent{
			LogicalID:  e.Event.LogicalID,
			Payload:    e.Event.Payload,
			ObservedAt: e.Event.ObservedAt,
		})
	}

	// The send outlives ctx so that shutdown never cuts a request in half.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	start := time.Now()
	resp, err := s.transport.Send(sendCtx, batch)
	elapsed := time.Since(start)
	cancel()

	if err == nil {
		s.commit(lease)
		s.current = nil
		s.succeeded.Add(1)
		if resp != nil {
			s.inserted.Add(int64(resp.Inserted))
			s.duplicates.Add(int64(resp.Duplicates))
			s.rejected.Add(int64(resp.Rejected))
		}
		info.QueueDepth = s.queue.Len()
		s.observer.Succeeded(info, resp, elapsed)
		return 0, false
	}

	permanent := client.IsPermanent(err)
	if a.retries >= s.cfg.MaxRetries || (permanent && a.sawPermanent) {
		s.commit(lease)
		s.current = nil
		s.exhausted.Add(1)
		s.dropped.Add(int64(lease.Len()))
		info.QueueDepth = s.queue.Len()
		s.observer.Exhausted(info, err)
		return 0, false
	}

	if permanent {
		a.sawPermanent = true
	}
	if rqErr := s.queue.Requeue(lease); rqErr != nil {
		slog.Error("queue requeue failed", logging.BatchID(a.batchID), logging.Error(rqErr))
	}
	delay := a.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.cfg.MaxDelay
	}
	a.retries++
	s.retries.Add(1)
	info.Retry = a.retries
	info.QueueDepth = s.queue.Len()
	s.observer.Retrying(info, err, delay)
	return delay, true
}

func (s *Sender) commit(lease *queue.Lease) {
	if err := s.queue.Commit(lease); err != nil {
		slog.Error("queue commit failed", logging.Error(err))
	}
}

func (s *Sender) newAttempt(size int) *attempt {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &attempt{
		batchID: uuid.NewString(),
		size:    size,
		backoff: b,
	}
}

func (s *Sender) Stats() Stats {
	return Stats{
		Attempts:   s.attempts.Load(),
		Succeeded:  s.succeeded.Load(),
		Retries:    s.retries.Load(),
		Exhausted:  s.exhausted.Load(),
		Dropped:    s.dropped.Load(),
		Inserted:   s.inserted.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
	}
}
