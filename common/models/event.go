package models

import "time"

// RawEvent is a message observed by a producer, before it has been delivered.
type RawEvent struct {
	LogicalID         string    `json:"logicalId,omitempty" validate:"max=256"`
	Payload           Payload   `json:"payload"`
	ObservedAt        time.Time `json:"observedAt"`
	ProducerSessionID string    `json:"producerSessionId,omitempty" validate:"max=128"`
}

// Batch is the unit of network transmission from a producer to ingestion.
type Batch struct {
	BatchID           string       `json:"batchId"`
	ProducerSessionID string       `json:"producerSessionId"`
	Events            []BatchEvent `json:"events"`
}

// BatchEvent is a RawEvent as it appears on the wire inside a Batch.
type BatchEvent struct {
	LogicalID  string    `json:"logicalId,omitempty"`
	Payload    Payload   `json:"payload"`
	ObservedAt time.Time `json:"observedAt"`
}

// Outcome is the per-event result of ingesting a batch.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// EventResult reports what happened to one event of a batch.
type EventResult struct {
	LogicalID string  `json:"logicalId"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
}

// BatchResponse is returned by the ingestion API for every accepted batch.
type BatchResponse struct {
	BatchID    string        `json:"batchId,omitempty"`
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Rejected   int           `json:"rejected"`
	Results    []EventResult `json:"results"`
}

// Add appends a result and bumps the matching aggregate counter.
func (r *BatchResponse) Add(res EventResult) {
	switch res.Outcome {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeRejected:
		r.Rejected++
	}
	r.Results = append(r.Results, res)
}
