// Package producer turns external input into RawEvents for the collector
// queue.
package producer

import (
	"context"
	"time"

	"github.com/telhawk-systems/relay/common/models"
)

// Emit hands one event to the collector. It must not block.
type Emit func(models.RawEvent)

// Source produces events until it is exhausted or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, emit Emit) (Summary, error)
}

// Summary counts what a source produced.
type Summary struct {
	Emitted int `json:"emitted"`
	Skipped int `json:"skipped"`
}

// stamp fills fields the producer owns.
func stamp(ev *models.RawEvent, sessionID string, now time.Time) {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}
	ev.ObservedAt = ev.ObservedAt.UTC()
	if ev.ProducerSessionID == "" {
		ev.ProducerSessionID = sessionID
	}
}
