// Package producerstats keeps Redis-backed usage statistics per producer
// session. Several ingest instances write concurrently; any service can read.
//
// Redis key structure:
//
//	relay:producer:stats:{session}               - hash with running totals
//	relay:producer:hourly:{session}:{YYYYMMDDHH} - inserted events that hour (expires 48h)
//	relay:producer:ips:{session}:{YYYYMMDD}      - set of client IPs that day (expires 7d)
//	relay:producer:instances:{session}           - hash of ingest instance -> last seen (expires 24h)
package producerstats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relay:producer:"

// AnonymousSession is recorded for batches that carry no producer session id.
const AnonymousSession = "anonymous"

var ErrNotFound = errors.New("producer session not found")

// Counts are the per-event outcomes of one or more batches.
type Counts struct {
	Batches    int64
	Inserted   int64
	Duplicates int64
	Rejected   int64
}

func (c *Counts) add(o Counts) {
	c.Batches += o.Batches
	c.Inserted += o.Inserted
	c.Duplicates += o.Duplicates
	c.Rejected += o.Rejected
}

// Stats is what a reader sees for one session.
type Stats struct {
	SessionID        string            `json:"session_id"`
	LastSeenAt       *time.Time        `json:"last_seen_at,omitempty"`
	LastIP           string            `json:"last_ip,omitempty"`
	Batches          int64             `json:"batches"`
	Inserted         int64             `json:"inserted"`
	Duplicates       int64             `json:"duplicates"`
	Rejected         int64             `json:"rejected"`
	InsertedLastHour int64             `json:"inserted_last_hour"`
	InsertedLast24h  int64             `json:"inserted_last_24h"`
	UniqueIPsToday   int64             `json:"unique_ips_today"`
	Instances        map[string]string `json:"ingest_instances,omitempty"`
	RetrievedAt      time.Time         `json:"retrieved_at"`
}

// Client records and reads producer session statistics.
type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient connects to redisURL. instanceID should be unique per ingest
// instance (hostname, pod name).
func NewClient(redisURL, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, instanceID), nil
}

// NewClientFromRedis creates a client on an existing connection.
func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{redis: client, instanceID: instanceID, now: time.Now}
}

func statsKey(session string) string { return keyPrefix + "stats:" + session }

func hourlyKey(session string, t time.Time) string {
	return keyPrefix + "hourly:" + session + ":" + t.UTC().Format("2006010215")
}

func ipsKey(session string, t time.Time) string {
	return keyPrefix + "ips:" + session + ":" + t.UTC().Format("20060102")
}

func instancesKey(session string) string { return keyPrefix + "instances:" + session }

// Flush writes accumulated usage for one session in a single pipeline.
func (c *Client) Flush(ctx context.Context, u *Usage) error {
	if u.Counts.Batches == 0 {
		return nil
	}

	now := c.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)
	pipe := c.redis.Pipeline()

	sk := statsKey(u.SessionID)
	fields := map[string]any{"last_seen_at": nowUnix}
	if u.LastIP != "" {
		fields["last_ip"] = u.LastIP
	}
	pipe.HSet(ctx, sk, fields)
	pipe.HIncrBy(ctx, sk, "batches", u.Counts.Batches)
	pipe.HIncrBy(ctx, sk, "inserted", u.Counts.Inserted)
	pipe.HIncrBy(ctx, sk, "duplicates", u.Counts.Duplicates)
	pipe.HIncrBy(ctx, sk, "rejected", u.Counts.Rejected)

	if u.Counts.Inserted > 0 {
		hk := hourlyKey(u.SessionID, now)
		pipe.IncrBy(ctx, hk, u.Counts.Inserted)
		pipe.Expire(ctx, hk, 48*time.Hour)
	}

	if len(u.IPs) > 0 {
		ips := make([]any, 0, len(u.IPs))
		for ip := range u.IPs {
			ips = append(ips, ip)
		}
		ik := ipsKey(u.SessionID, now)
		pipe.SAdd(ctx, ik, ips...)
		pipe.Expire(ctx, ik, 7*24*time.Hour)
	}

	inst := instancesKey(u.SessionID)
	pipe.HSet(ctx, inst, c.instanceID, nowUnix)
	pipe.Expire(ctx, inst, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush producer stats: %w", err)
	}
	return nil
}

// Get reads the statistics for one session. ErrNotFound means no batch from
// the session has been flushed yet.
func (c *Client) Get(ctx context.Context, session string) (*Stats, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsKey(session))
	hourly := make([]*redis.StringCmd, 24)
	for i := range hourly {
		hourly[i] = pipe.Get(ctx, hourlyKey(session, now.Add(-time.Duration(i)*time.Hour)))
	}
	ipsCmd := pipe.SCard(ctx, ipsKey(session, now))
	instancesCmd := pipe.HGetAll(ctx, instancesKey(session))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get producer stats: %w", err)
	}

	fields := statsCmd.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	stats := &Stats{
		SessionID:   session,
		LastIP:      fields["last_ip"],
		Batches:     parseInt(fields["batches"]),
		Inserted:    parseInt(fields["inserted"]),
		Duplicates:  parseInt(fields["duplicates"]),
		Rejected:    parseInt(fields["rejected"]),
		Instances:   make(map[string]string),
		RetrievedAt: now.UTC(),
	}
	if unix := parseInt(fields["last_seen_at"]); unix > 0 {
		t := time.Unix(unix, 0).UTC()
		stats.LastSeenAt = &t
	}

	for i, cmd := range hourly {
		n, err := cmd.Int64()
		if err != nil {
			continue
		}
		if i == 0 {
			stats.InsertedLastHour = n
		}
		stats.InsertedLast24h += n
	}
	stats.UniqueIPsToday = ipsCmd.Val()

	for instance, seen := range instancesCmd.Val() {
		if unix := parseInt(seen); unix > 0 {
			stats.Instances[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
		}
	}
	return stats, nil
}

// ListActive returns the sessions seen within since.
func (c *Client) ListActive(ctx context.Context, since time.Duration) ([]string, error) {
	cutoff := c.now().Add(-since).Unix()
	prefix := statsKey("")

	var sessions []string
	iter := c.redis.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		lastSeen, err := c.redis.HGet(ctx, key, "last_seen_at").Int64()
		if err == nil && lastSeen >= cutoff {
			sessions = append(sessions, strings.TrimPrefix(key, prefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan producer sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) Close() error {
	return c.redis.Close()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
