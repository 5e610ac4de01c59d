package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/relay/common/models"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrStaleTransition   = errors.New("message is no longer in the expected status")
	ErrInvalidTransition = errors.New("status transition not allowed")
)

// Repository is the Message Store. Implementations must make InsertBatch
// atomic per logical id and Transition a compare-and-swap on status.
type Repository interface {
	// InsertBatch stores records in order. For every record it reports
	// whether a new row was created; duplicates of an existing logical id
	// are left untouched. Inserted records get ID, Status and timestamps set.
	InsertBatch(ctx context.Context, records []*models.MessageRecord) ([]bool, error)

	GetByID(ctx context.Context, id int64) (*models.MessageRecord, error)
	GetByLogicalID(ctx context.Context, logicalID string) (*models.MessageRecord, error)

	// ListByStatus returns records in the given status ordered by id.
	ListByStatus(ctx context.Context, status models.Status, opts ListOptions) ([]*models.MessageRecord, error)

	// Transition moves a record from one status to another, applying the
	// changes in t. It returns ErrStaleTransition when the record is not in
	// status from anymore.
	Transition(ctx context.Context, id int64, from models.Status, t Transition) (*models.MessageRecord, error)

	CountByStatus(ctx context.Context) (map[models.Status]int64, error)

	Ping(ctx context.Context) error
	Close()
}

// ListOptions narrows ListByStatus.
type ListOptions struct {
	Limit int
	// AfterID skips records with id <= AfterID.
	AfterID int64
	// UpdatedBefore, when set, only returns records not touched since.
	UpdatedBefore time.Time
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// Transition describes a status change. Error, ErrorKind, ForwardStatusCode
// and ForwardBody are always written (nil clears them). EnrichedPayload is
// only written when non-empty.
type Transition struct {
	To                models.Status
	EnrichedPayload   json.RawMessage
	ForwardStatusCode *int
	ForwardBody       *string
	Error             *string
	ErrorKind         *string
	IncrementAttempts bool
}

func validateTransition(from models.Status, t Transition) error {
	if !from.CanTransition(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
	}
	return nil
}
