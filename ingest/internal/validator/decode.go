package validator

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/telhawk-systems/relay/common/models"
	ingestmodels "github.com/telhawk-systems/relay/ingest/internal/models"
)

var jsonNull = []byte("null")

// Decode turns one submitted event into a RawEvent. It returns a *Rejection
// when the event is not an object or a field has the wrong type.
func Decode(raw json.RawMessage, sessionID string) (models.RawEvent, error) {
	ev := models.RawEvent{ProducerSessionID: sessionID}

	var in ingestmodels.EventInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return ev, reject("event", "must be a JSON object")
	}

	logicalID, err := decodeLogicalID(in.LogicalID)
	if err != nil {
		return ev, err
	}
	ev.LogicalID = logicalID

	payload := bytes.TrimSpace(in.Payload)
	if len(payload) == 0 || bytes.Equal(payload, jsonNull) {
		return ev, reject("payload", "required")
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return ev, payloadRejection(err)
	}

	observedAt, err := ParseObservedAt(in.ObservedAt)
	if err != nil {
		return ev, err
	}
	ev.ObservedAt = observedAt
	return ev, nil
}

func decodeLogicalID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", reject("logicalId", "must be a string")
	}
	return strings.TrimSpace(id), nil
}

// ParseObservedAt accepts an RFC3339 string or epoch milliseconds and
// returns the instant in UTC.
func ParseObservedAt(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return time.Time{}, reject("observedAt", "required")
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, reject("observedAt", "must be an RFC3339 timestamp or epoch milliseconds")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, reject("observedAt", "must be an RFC3339 timestamp or epoch milliseconds")
	}
	return t.UTC(), nil
}

// payloadRejection maps Payload decoding errors, which already name the
// offending key ("payload.text: must be a string"), onto a Rejection.
func payloadRejection(err error) *Rejection {
	msg := err.Error()
	if strings.HasPrefix(msg, "payload.") {
		if field, reason, ok := strings.Cut(msg, ": "); ok {
			return reject(field, reason)
		}
	}
	return reject("payload", "must be a JSON object")
}
