package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a stored message.
type Status string

const (
	StatusReceived        Status = "received"
	StatusProcessed       Status = "processed"
	StatusAgentError      Status = "agent_error"
	StatusForwarded       Status = "forwarded"
	StatusDownstreamError Status = "downstream_error"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusReceived,
	StatusProcessed,
	StatusAgentError,
	StatusForwarded,
	StatusDownstreamError,
}

// transitions maps each status to the states it may move to.
var transitions = map[Status][]Status{
	StatusReceived:        {StatusProcessed, StatusAgentError},
	StatusProcessed:       {StatusForwarded, StatusDownstreamError},
	StatusAgentError:      {StatusReceived},
	StatusDownstreamError: {StatusProcessed},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusReceived, StatusProcessed, StatusAgentError, StatusForwarded, StatusDownstreamError:
		return true
	default:
		return false
	}
}

// IsError reports whether s is one of the failure states awaiting re-dispatch.
func (s Status) IsError() bool {
	return s == StatusAgentError || s == StatusDownstreamError
}

// CanTransition reports whether a record in state s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RedispatchTarget returns the state a failed record re-enters on re-dispatch.
func (s Status) RedispatchTarget() (Status, bool) {
	switch s {
	case StatusAgentError:
		return StatusReceived, true
	case StatusDownstreamError:
		return StatusProcessed, true
	default:
		return "", false
	}
}

// MessageRecord is the durable representation of an ingested event.
type MessageRecord struct {
	ID                int64           `json:"id"`
	LogicalID         string          `json:"logical_id"`
	ProducerSessionID string          `json:"producer_session_id,omitempty"`
	BatchID           string          `json:"batch_id,omitempty"`
	BatchIndex        int             `json:"batch_index"`
	Payload           Payload         `json:"payload"`
	ObservedAt        time.Time       `json:"observed_at"`
	Status            Status          `json:"status"`
	EnrichedPayload   json.RawMessage `json:"enriched_payload,omitempty"`
	ForwardStatusCode *int            `json:"forward_status_code,omitempty"`
	ForwardBody       *string         `json:"forward_body,omitempty"`
	Error             *string         `json:"error,omitempty"`
	ErrorKind         *string         `json:"error_kind,omitempty"`
	Attempts          int             `json:"attempts"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ForwardResult summarises the downstream outcome recorded on a message.
type ForwardResult struct {
	StatusCode *int   `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ForwardResult returns the downstream outcome, or nil if the record was never forwarded.
func (m *MessageRecord) ForwardResult() *ForwardResult {
	if m.Status != StatusForwarded && m.Status != StatusDownstreamError {
		return nil
	}
	res := &ForwardResult{StatusCode: m.ForwardStatusCode}
	if m.ForwardBody != nil {
		res.Body = *m.ForwardBody
	}
	if m.Status == StatusDownstreamError && m.Error != nil {
		res.Error = *m.Error
	}
	return res
}

// Clone returns a deep copy safe to hand out from in-memory stores.
func (m *MessageRecord) Clone() *MessageRecord {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = m.Payload.Clone()
	if m.EnrichedPayload != nil {
		c.EnrichedPayload = append(json.RawMessage(nil), m.EnrichedPayload...)
	}
	c.ForwardStatusCode = clonePtr(m.ForwardStatusCode)
	c.ForwardBody = clonePtr(m.ForwardBody)
	c.Error = clonePtr(m.Error)
	c.ErrorKind = clonePtr(m.ErrorKind)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
