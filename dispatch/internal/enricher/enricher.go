// Package enricher turns a stored payload into its enriched form. The
// transformation itself is external; this package defines the contract,
// classifies failures and provides an HTTP client plus a local fallback.
package enricher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/telhawk-systems/relay/common/models"
)

// Enricher transforms one payload. Implementations must honour ctx.
type Enricher interface {
	Transform(ctx context.Context, payload models.Payload) (json.RawMessage, error)
}

// Kind classifies an enrichment failure.
type Kind string

const (
	KindRateLimited         Kind = "rate_limited"
	KindInvalidInput        Kind = "invalid_input"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUnknown             Kind = "unknown"
)

// Retryable reports whether the same input may succeed later.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindUpstreamUnavailable
}

// Error is a classified enrichment failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("enrichment %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err. Timeouts count as an unavailable
// upstream; anything unclassified is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamUnavailable
	}
	return KindUnknown
}

// Func adapts a function to the Enricher interface.
type Func func(ctx context.Context, payload models.Payload) (json.RawMessage, error)

func (f Func) Transform(ctx context.Context, payload models.Payload) (json.RawMessage, error) {
	return f(ctx, payload)
}
