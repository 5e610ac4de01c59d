package messaging

import "strings"

// Subjects follow the pattern {domain}.{resource}.{action}.
const (
	// SubjectMessagesReceived is published by ingest after new records are stored.
	SubjectMessagesReceived = "relay.messages.received"

	// SubjectDLQPrefix prefixes terminal dispatch failures, suffixed with the status.
	SubjectDLQPrefix = "relay.dlq"
)

// Queue group names for load-balanced consumers.
const (
	QueueDispatchWorkers = "dispatch-workers"
)

// DLQSubject returns the dead-letter subject for a terminal status,
// e.g. relay.dlq.agent_error.
func DLQSubject(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	return SubjectDLQPrefix + "." + status
}

// MessagesReceived is the body of SubjectMessagesReceived.
type MessagesReceived struct {
	BatchID  string  `json:"batch_id"`
	Inserted int     `json:"inserted"`
	IDs      []int64 `json:"ids,omitempty"`
}
