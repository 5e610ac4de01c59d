package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_ExtensionsRoundTrip(t *testing.T) {
	in := []byte(`{"author":"ayse","channel":"#ops","text":"Güncellendi","ticket":{"id":42},"tags":["a","b"]}`)

	var p Payload
	require.NoError(t, json.Unmarshal(in, &p))

	assert.Equal(t, "ayse", p.Author)
	assert.Equal(t, "#ops", p.Channel)
	assert.Equal(t, "Güncellendi", p.Text)
	require.Len(t, p.Extensions, 2)
	assert.JSONEq(t, `{"id":42}`, string(p.Extensions["ticket"]))

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestPayload_RejectsNonObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"array", `["text"]`},
		{"string", `"text"`},
		{"null", `null`},
		{"numeric text", `{"text":12}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Payload
			assert.Error(t, json.Unmarshal([]byte(tt.in), &p))
		})
	}
}

func TestPayload_NullCoreFieldIgnored(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"text":"ok","quoted":null}`), &p))
	assert.Equal(t, "ok", p.Text)
	assert.Empty(t, p.Quoted)
	assert.Nil(t, p.Extensions)
}

func TestBatchResponse_Add(t *testing.T) {
	var resp BatchResponse
	resp.Add(EventResult{LogicalID: "a", Outcome: OutcomeInserted})
	resp.Add(EventResult{LogicalID: "b", Outcome: OutcomeDuplicate})
	resp.Add(EventResult{LogicalID: "c", Outcome: OutcomeRejected, Reason: "payload.text: required"})
	resp.Add(EventResult{LogicalID: "d", Outcome: OutcomeInserted})

	assert.Equal(t, 2, resp.Inserted)
	assert.Equal(t, 1, resp.Duplicates)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, "c", resp.Results[2].LogicalID)
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusReceived, StatusProcessed, true},
		{StatusReceived, StatusAgentError, true},
		{StatusProcessed, StatusForwarded, true},
		{StatusProcessed, StatusDownstreamError, true},
		{StatusAgentError, StatusReceived, true},
		{StatusDownstreamError, StatusProcessed, true},
		{StatusReceived, StatusForwarded, false},
		{StatusForwarded, StatusProcessed, false},
		{StatusAgentError, StatusProcessed, false},
		{StatusProcessed, StatusReceived, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatus_RedispatchTarget(t *testing.T) {
	next, ok := StatusAgentError.RedispatchTarget()
	assert.True(t, ok)
	assert.Equal(t, StatusReceived, next)

	next, ok = StatusDownstreamError.RedispatchTarget()
	assert.True(t, ok)
	assert.Equal(t, StatusProcessed, next)

	_, ok = StatusForwarded.RedispatchTarget()
	assert.False(t, ok)
}

func TestMessageRecord_ForwardResult(t *testing.T) {
	code := 500
	body := "upstream exploded"
	msg := "downstream returned status 500"
	rec := &MessageRecord{
		Status:            StatusDownstreamError,
		ForwardStatusCode: &code,
		ForwardBody:       &body,
		Error:             &msg,
	}

	res := rec.ForwardResult()
	require.NotNil(t, res)
	assert.Equal(t, 500, *res.StatusCode)
	assert.Equal(t, body, res.Body)
	assert.Equal(t, msg, res.Error)

	rec.Status = StatusProcessed
	assert.Nil(t, rec.ForwardResult())
}

func TestMessageRecord_CloneIsDeep(t *testing.T) {
	errMsg := "boom"
	rec := &MessageRecord{
		Payload:         Payload{Text: "x", Extensions: map[string]json.RawMessage{"k": json.RawMessage(`1`)}},
		EnrichedPayload: json.RawMessage(`{"summary":"x"}`),
		Error:           &errMsg,
	}

	c := rec.Clone()
	*c.Error = "changed"
	c.Payload.Extensions["k"] = json.RawMessage(`2`)
	c.EnrichedPayload[0] = '['

	assert.Equal(t, "boom", *rec.Error)
	assert.Equal(t, `1`, string(rec.Payload.Extensions["k"]))
	assert.Equal(t, byte('{'), rec.EnrichedPayload[0])
}

func TestContainsNUL(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"a":"plain"}`, false},
		{`{"a":"x\u0000y"}`, true},
		{`{"a\u0000":1}`, true},
		{`["ok",{"deep":["\u0000"]}]`, true},
		{`"\\u0000"`, false},
		{`{"a":`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContainsNUL(json.RawMessage(tt.raw)), tt.raw)
	}
}
