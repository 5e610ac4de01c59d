package producerstats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/relay/common/logging"
)

// DefaultFlushInterval is used when a collector is given none.
const DefaultFlushInterval = 10 * time.Second

// Usage is accumulated usage for one session between flushes.
type Usage struct {
	SessionID string
	Counts    Counts
	IPs       map[string]struct{}
	LastIP    string
}

func newUsage(session string) *Usage {
	return &Usage{SessionID: session, IPs: make(map[string]struct{})}
}

func (u *Usage) add(counts Counts, clientIP string) {
	u.Counts.add(counts)
	if clientIP != "" {
		u.IPs[clientIP] = struct{}{}
		u.LastIP = clientIP
	}
}

func (u *Usage) merge(o *Usage) {
	u.Counts.add(o.Counts)
	for ip := range o.IPs {
		u.IPs[ip] = struct{}{}
	}
	if u.LastIP == "" {
		u.LastIP = o.LastIP
	}
}

// Collector accumulates usage in memory and flushes it to Redis on an
// interval. Safe for concurrent use.
type Collector struct {
	client        *Client
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[string]*Usage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector starts a collector that flushes every flushInterval.
func NewCollector(client *Client, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger,
		pending:       make(map[string]*Usage),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Record adds one batch's outcome for session. An empty session is
// recorded as AnonymousSession.
func (c *Collector) Record(session string, counts Counts, clientIP string) {
	if session == "" {
		session = AnonymousSession
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.pending[session]
	if !ok {
		u = newUsage(session)
		c.pending[session] = u
	}
	u.add(counts, clientIP)
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Usage)
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed := 0
	for _, u := range pending {
		if err := c.client.Flush(ctx, u); err != nil {
			c.logger.Error("failed to flush producer stats",
				logging.SessionID(u.SessionID),
				slog.Int64("batches", u.Counts.Batches),
				logging.Error(err),
			)
			// Merge back so the next flush retries it.
			c.mu.Lock()
			if existing, ok := c.pending[u.SessionID]; ok {
				existing.merge(u)
			} else {
				c.pending[u.SessionID] = u
			}
			c.mu.Unlock()
			continue
		}
		flushed++
	}

	if flushed > 0 {
		c.logger.Debug("flushed producer stats", slog.Int("sessions", flushed))
	}
}

// FlushNow writes everything accumulated so far.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop ends the flush loop after a final flush.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Pending returns the batch count per session not yet flushed.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.pending))
	for session, u := range c.pending {
		out[session] = u.Counts.Batches
	}
	return out
}
