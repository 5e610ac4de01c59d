// Package nats wakes the dispatch scheduler when ingest reports new records.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/messaging"
)

// Waker is told that new work may be waiting.
type Waker interface {
	Wake()
}

// Subscriber is the part of a broker client the handler needs.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error)
}

// Handler processes incoming NATS messages for the dispatch service.
type Handler struct {
	client Subscriber
	waker  Waker
	logger *slog.Logger
	subs   []messaging.Subscription
}

func NewHandler(client Subscriber, waker Waker, logger *slog.Logger) *Handler {
	return &Handler{
		client: client,
		waker:  waker,
		logger: logger,
	}
}

// Start subscribes to insert notifications in the dispatch queue group, so
// one instance wakes per notification.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.client.QueueSubscribe(
		messaging.SubjectMessagesReceived,
		messaging.QueueDispatchWorkers,
		h.handleMessagesReceived,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", messaging.SubjectMessagesReceived, err)
	}
	h.subs = append(h.subs, sub)

	h.logger.Info("nats handler started", slog.String("subject", messaging.SubjectMessagesReceived))
	return nil
}

// Stop unsubscribes from all subjects.
func (h *Handler) Stop() error {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe",
				slog.String("subject", sub.Subject()),
				logging.Error(err),
			)
		}
	}
	h.subs = nil
	h.logger.Info("nats handler stopped")
	return nil
}

func (h *Handler) handleMessagesReceived(ctx context.Context, msg *messaging.Message) error {
	var evt messaging.MessagesReceived
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		// A wake is cheap; an unreadable notice still means something arrived.
		h.logger.Warn("unreadable insert notification", logging.Error(err))
		h.waker.Wake()
		return err
	}

	if evt.Inserted == 0 {
		return nil
	}

	h.logger.Debug("insert notification",
		logging.BatchID(evt.BatchID),
		slog.Int("inserted", evt.Inserted),
	)
	h.waker.Wake()
	return nil
}
