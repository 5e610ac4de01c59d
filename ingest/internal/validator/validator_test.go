package validator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/relay/common/models"
	ingestmodels "github.com/telhawk-systems/relay/ingest/internal/models"
	"github.com/telhawk-systems/relay/ingest/internal/validator"
)

type mockValidator struct {
	err       error
	callCount int
}

func (m *mockValidator) Validate(ctx context.Context, ev *models.RawEvent) error {
	m.callCount++
	return m.err
}

func TestChain_StopsAtFirstFailure(t *testing.T) {
	expected := errors.New("validation failed")
	val1 := &mockValidator{err: expected}
	val2 := &mockValidator{}

	err := validator.NewChain(val1, val2).Validate(context.Background(), &models.RawEvent{})

	assert.ErrorIs(t, err, expected)
	assert.Equal(t, 1, val1.callCount)
	assert.Zero(t, val2.callCount, "second validator should not run")
}

func TestChain_NilIsNoop(t *testing.T) {
	var chain *validator.Chain
	assert.NoError(t, chain.Validate(context.Background(), &models.RawEvent{}))
}

func TestValidateBatch(t *testing.T) {
	tests := []struct {
		name    string
		req     *ingestmodels.BatchRequest
		wantErr string
	}{
		{
			name: "valid",
			req:  &ingestmodels.BatchRequest{BatchID: "b-1", Events: []json.RawMessage{json.RawMessage(`{}`)}},
		},
		{
			name: "empty events array is allowed",
			req:  &ingestmodels.BatchRequest{BatchID: "b-1", Events: []json.RawMessage{}},
		},
		{
			name:    "missing batch id",
			req:     &ingestmodels.BatchRequest{Events: []json.RawMessage{}},
			wantErr: "batchId: required",
		},
		{
			name:    "missing events",
			req:     &ingestmodels.BatchRequest{BatchID: "b-1"},
			wantErr: "events: required",
		},
		{
			name:    "too many events",
			req:     &ingestmodels.BatchRequest{BatchID: "b-1", Events: make([]json.RawMessage, 1001)},
			wantErr: "events: at most 1000 items",
		},
		{
			name:    "batch id too long",
			req:     &ingestmodels.BatchRequest{BatchID: strings.Repeat("x", 129), Events: []json.RawMessage{}},
			wantErr: "batchId: longer than 128 characters",
		},
		{
			name:    "nil request",
			wantErr: "empty request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateBatch(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, validator.ErrInvalidBatch)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecode(t *testing.T) {
	raw := json.RawMessage(`{
		"logicalId": " m1 ",
		"payload": {"author":"ayse","text":"Güncellendi","ticket":{"id":42}},
		"observedAt": "2024-05-01T12:00:00+03:00"
	}`)

	ev, err := validator.Decode(raw, "laptop-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", ev.LogicalID)
	assert.Equal(t, "laptop-1", ev.ProducerSessionID)
	assert.Equal(t, "Güncellendi", ev.Payload.Text)
	assert.JSONEq(t, `{"id":42}`, string(ev.Payload.Extensions["ticket"]))
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), ev.ObservedAt)
}

func TestDecode_NullLogicalIDIsAbsent(t *testing.T) {
	ev, err := validator.Decode(json.RawMessage(`{"logicalId":null,"payload":{"text":"x"},"observedAt":0}`), "")
	require.NoError(t, err)
	assert.Empty(t, ev.LogicalID)
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		event string
		want  string
	}{
		{"not an object", `"m1"`, "event: must be a JSON object"},
		{"array event", `[1,2]`, "event: must be a JSON object"},
		{"numeric logicalId", `{"logicalId":42,"payload":{"text":"x"},"observedAt":0}`, "logicalId: must be a string"},
		{"object logicalId", `{"logicalId":{"id":"m1"},"payload":{"text":"x"},"observedAt":0}`, "logicalId: must be a string"},
		{"missing payload", `{"observedAt":"2024-05-01T00:00:00Z"}`, "payload: required"},
		{"null payload", `{"payload":null,"observedAt":"2024-05-01T00:00:00Z"}`, "payload: required"},
		{"null event", `null`, "payload: required"},
		{"array payload", `{"payload":["x"],"observedAt":"2024-05-01T00:00:00Z"}`, "payload: must be a JSON object"},
		{"numeric text", `{"payload":{"text":5},"observedAt":"2024-05-01T00:00:00Z"}`, "payload.text: must be a string"},
		{"missing observedAt", `{"payload":{"text":"x"}}`, "observedAt: required"},
		{"garbage observedAt", `{"payload":{"text":"x"},"observedAt":"yesterday"}`, "observedAt: must be an RFC3339 timestamp or epoch milliseconds"},
		{"boolean observedAt", `{"payload":{"text":"x"},"observedAt":true}`, "observedAt: must be an RFC3339 timestamp or epoch milliseconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.Decode(json.RawMessage(tt.event), "")
			var rej *validator.Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.want, rej.Error())
		})
	}
}

func TestParseObservedAt_EpochMillis(t *testing.T) {
	got, err := validator.ParseObservedAt(json.RawMessage(`1714564800123`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC), got)
}

func TestDefaultChain(t *testing.T) {
	observed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   models.RawEvent
		want string
	}{
		{
			name: "valid",
			ev:   models.RawEvent{Payload: models.Payload{Text: "Güncellendi"}, ObservedAt: observed},
		},
		{
			name: "empty text",
			ev:   models.RawEvent{ObservedAt: observed},
			want: "payload.text: required",
		},
		{
			name: "blank text",
			ev:   models.RawEvent{Payload: models.Payload{Text: "   "}, ObservedAt: observed},
			want: "payload.text: required",
		},
		{
			name: "author too long",
			ev:   models.RawEvent{Payload: models.Payload{Text: "x", Author: strings.Repeat("a", 257)}, ObservedAt: observed},
			want: "payload.author: longer than 256 characters",
		},
		{
			name: "logical id too long",
			ev:   models.RawEvent{LogicalID: strings.Repeat("m", 257), Payload: models.Payload{Text: "x"}, ObservedAt: observed},
			want: "logicalId: longer than 256 characters",
		},
		{
			name: "zero observedAt",
			ev:   models.RawEvent{Payload: models.Payload{Text: "x"}},
			want: "observedAt: required",
		},
		{
			name: "NUL in text",
			ev:   models.RawEvent{Payload: models.Payload{Text: "a\x00b"}, ObservedAt: observed},
			want: "payload.text: must not contain NUL characters",
		},
		{
			name: "NUL in author",
			ev:   models.RawEvent{Payload: models.Payload{Text: "x", Author: "ay\x00se"}, ObservedAt: observed},
			want: "payload.author: must not contain NUL characters",
		},
		{
			name: "NUL in logical id",
			ev:   models.RawEvent{LogicalID: "m\x001", Payload: models.Payload{Text: "x"}, ObservedAt: observed},
			want: "logicalId: must not contain NUL characters",
		},
		{
			name: "NUL in extension value",
			ev: models.RawEvent{Payload: models.Payload{
				Text:       "x",
				Extensions: map[string]json.RawMessage{"ticket": json.RawMessage(`{"note":"a\u0000b"}`)},
			}, ObservedAt: observed},
			want: "payload.ticket: must not contain NUL characters",
		},
		{
			name: "NUL in extension key",
			ev: models.RawEvent{Payload: models.Payload{
				Text:       "x",
				Extensions: map[string]json.RawMessage{"tic\x00ket": json.RawMessage(`1`)},
			}, ObservedAt: observed},
			want: "payload: extension keys must not contain NUL characters",
		},
		{
			name: "escaped backslash is not NUL",
			ev: models.RawEvent{Payload: models.Payload{
				Text:       `path C:\u0000`,
				Extensions: map[string]json.RawMessage{"path": json.RawMessage(`"C:\\u0000"`)},
			}, ObservedAt: observed},
		},
	}

	chain := validator.Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := chain.Validate(context.Background(), &tt.ev)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			var rej *validator.Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.want, rej.Error())
		})
	}
}

func TestDeriveLogicalID(t *testing.T) {
	p := models.Payload{Author: "ayse", Channel: "#ops", Text: "Güncellendi"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	id := validator.DeriveLogicalID(p, at)
	assert.True(t, strings.HasPrefix(id, validator.DerivedPrefix))
	assert.Len(t, id, len(validator.DerivedPrefix)+32)

	t.Run("stable within the same second and across zones", func(t *testing.T) {
		ist := time.FixedZone("IST", 3*3600)
		assert.Equal(t, id, validator.DeriveLogicalID(p, at.Add(900*time.Millisecond)))
		assert.Equal(t, id, validator.DeriveLogicalID(p, at.In(ist)))
	})

	t.Run("ignores extensions", func(t *testing.T) {
		withExt := p
		withExt.Extensions = map[string]json.RawMessage{"ticket": json.RawMessage(`1`)}
		assert.Equal(t, id, validator.DeriveLogicalID(withExt, at))
	})

	t.Run("changes with content or time", func(t *testing.T) {
		other := p
		other.Text = "Kapatıldı"
		assert.NotEqual(t, id, validator.DeriveLogicalID(other, at))
		assert.NotEqual(t, id, validator.DeriveLogicalID(p, at.Add(time.Second)))
	})

	t.Run("field boundaries matter", func(t *testing.T) {
		a := models.Payload{Author: "ab", Text: "c"}
		b := models.Payload{Author: "a", Channel: "b", Text: "c"}
		assert.NotEqual(t, validator.DeriveLogicalID(a, at), validator.DeriveLogicalID(b, at))
	})
}
