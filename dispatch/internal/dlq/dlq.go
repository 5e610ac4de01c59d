package dlq

import (
	"context"
	"errors"
)

var ErrDisabled = errors.New("dlq not enabled")

// Reader is the read side used by the operator API.
type Reader interface {
	List(ctx context.Context, limit int) ([]Entry, uint64, error)
	Stats(ctx context.Context) map[string]any
	Purge(ctx context.Context) error
}

var (
	_ Sink   = (*JetStreamQueue)(nil)
	_ Reader = (*JetStreamQueue)(nil)
)
