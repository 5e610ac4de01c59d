package database

import (
	"context"
	"time"
)

// Standard timeout durations for Message Store operations
const (
	// DefaultQueryTimeout is the timeout for reads issued by the operator API.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout is the timeout for single status transitions.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultBulkTimeout is the timeout for batch inserts and migrations.
	DefaultBulkTimeout = 30 * time.Second
)

// QueryContext creates a context with DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext creates a context with DefaultWriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

// BulkContext creates a context with DefaultBulkTimeout.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}
