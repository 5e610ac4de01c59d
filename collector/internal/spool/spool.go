// Package spool persists the collector queue in Redis so that queued and
// in-flight events survive a restart.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/relay/collector/internal/queue"
	"github.com/telhawk-systems/relay/common/logging"
)

const keyPrefix = "relay:collector:spool:"

// Spool stores queue snapshots in a Redis list.
type Spool struct {
	client *redis.Client
	key    string
	owned  bool
}

// Open connects to redisURL and verifies the connection.
func Open(ctx context.Context, redisURL, name string) (*Spool, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := New(client, name)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close will not close it.
func New(client *redis.Client, name string) *Spool {
	if name == "" {
		name = "default"
	}
	return &Spool{client: client, key: keyPrefix + name}
}

// Key returns the Redis key the spool writes to.
func (s *Spool) Key() string { return s.key }

// Save replaces the stored snapshot with entries.
func (s *Spool) Save(ctx context.Context, entries []queue.Entry) error {
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.Seq, err)
		}
		values = append(values, data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.RPush(ctx, s.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save spool: %w", err)
	}
	return nil
}

// Load returns the stored snapshot in queue order. The snapshot is left in
// place until the next Save, so a crash between Load and Save can only
// resend events; ingestion drops the duplicates.
func (s *Spool) Load(ctx context.Context) ([]queue.Entry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load spool: %w", err)
	}

	entries := make([]queue.Entry, 0, len(raw))
	for i, item := range raw {
		var e queue.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode spool entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear removes the stored snapshot.
func (s *Spool) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *Spool) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// Checkpoint saves a snapshot of q every interval until ctx is done. Save
// failures are logged and retried on the next tick.
func (s *Spool) Checkpoint(ctx context.Context, q *queue.Queue, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Save(ctx, q.Snapshot()); err != nil && ctx.Err() == nil {
				logger.Warn("spool checkpoint failed", logging.Error(err), logging.QueueDepth(q.Len()))
			}
		}
	}
}
