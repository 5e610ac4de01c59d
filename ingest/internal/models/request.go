package models

import (
	"encoding/json"
	"time"
)

// BatchRequest is the body of POST /api/v1/batches. Events stay raw until
// validator.Decode reads them one at a time, so a malformed event is
// rejected on its own instead of failing the request.
type BatchRequest struct {
	BatchID           string            `json:"batchId" validate:"required,max=128"`
	ProducerSessionID string            `json:"producerSessionId" validate:"max=128"`
	Events            []json.RawMessage `json:"events" validate:"required,max=1000"`
}

// EventInput is the shape of one submitted event. Every field is kept raw
// so type errors surface as per-event rejections.
type EventInput struct {
	LogicalID  json.RawMessage `json:"logicalId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ObservedAt json.RawMessage `json:"observedAt"`
}

// IngestionStats are the running totals reported by /readyz.
type IngestionStats struct {
	Batches     int64     `json:"batches"`
	Inserted    int64     `json:"inserted"`
	Duplicates  int64     `json:"duplicates"`
	Rejected    int64     `json:"rejected"`
	StoreErrors int64     `json:"store_errors"`
	LastBatch   time.Time `json:"last_batch,omitempty"`
}
