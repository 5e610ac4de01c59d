// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow services to publish and subscribe to messages
// without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	Subject string
	Data    []byte
	// Metadata contains optional key-value pairs for message headers.
	Metadata  map[string]string
	Timestamp time.Time
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject, fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe load-balances messages across subscribers in the same
	// queue group.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	Close() error
}

// Client combines Publisher and Subscriber interfaces.
type Client interface {
	Publisher
	Subscriber

	// Drain gracefully closes the connection, allowing in-flight messages to complete.
	Drain() error

	IsConnected() bool

	// RTT measures the round trip to the broker.
	RTT() (time.Duration, error)
}

// Discard is a Publisher that drops everything. Services use it when no
// broker is configured.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, []byte) error { return nil }
func (discard) Close() error                                  { return nil }

// PublishJSON marshals v and publishes it to subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, subject, data)
}
