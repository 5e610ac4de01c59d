package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// StoredMessage is a message read back from a stream.
type StoredMessage struct {
	Sequence uint64
	Subject  string
	Data     []byte
	Time     time.Time
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishSync publishes a message and waits for the stream acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data)
}

// Latest returns up to limit of the newest messages in a stream, newest first.
// Sequences removed by retention are skipped.
func (c *JetStreamClient) Latest(ctx context.Context, streamName string, limit int) ([]StoredMessage, uint64, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get stream info %s: %w", streamName, err)
	}

	var out []StoredMessage
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0 && len(out) < limit; seq-- {
		raw, err := stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s seq %d: %w", streamName, seq, err)
		}
		out = append(out, StoredMessage{
			Sequence: raw.Sequence,
			Subject:  raw.Subject,
			Data:     raw.Data,
			Time:     raw.Time,
		})
	}
	return out, info.State.Msgs, nil
}

// DLQStream keeps terminal dispatch failures for out-of-band inspection.
var DLQStream = StreamConfig{
	Name:      "RELAY_DLQ",
	Subjects:  []string{"relay.dlq.>"},
	MaxAge:    7 * 24 * time.Hour,
	MaxBytes:  256 * 1024 * 1024,
	MaxMsgs:   100000,
	Retention: jetstream.LimitsPolicy,
	Storage:   jetstream.FileStorage,
}
