package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/relay/common/messaging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
	"github.com/telhawk-systems/relay/dispatch/internal/dlq"
	"github.com/telhawk-systems/relay/dispatch/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopWaker struct{}

func (nopWaker) Wake() {}

func setup(t *testing.T) (*Handler, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	svc := service.NewService(repo, nopWaker{}, discardLogger())
	return NewHandler(svc, nil, discardLogger()), repo
}

func seed(t *testing.T, repo *repository.MemoryRepository, logicalIDs ...string) {
	t.Helper()
	records := make([]*models.MessageRecord, len(logicalIDs))
	for i, id := range logicalIDs {
		records[i] = &models.MessageRecord{LogicalID: id, BatchIndex: i, Payload: models.Payload{Text: "text " + id}}
	}
	_, err := repo.InsertBatch(context.Background(), records)
	require.NoError(t, err)
}

func do(h http.HandlerFunc, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(method, target, nil))
	return rr
}

type document struct {
	Data   json.RawMessage  `json:"data"`
	Meta   map[string]any   `json:"meta"`
	Errors []map[string]any `json:"errors"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) document {
	t.Helper()
	var doc document
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	return doc
}

func TestListMessages(t *testing.T) {
	h, repo := setup(t)
	seed(t, repo, "m1", "m2", "m3")

	rr := do(h.ListMessages, http.MethodGet, "/api/v1/messages?status=received&limit=2")
	require.Equal(t, http.StatusOK, rr.Code)

	doc := decode(t, rr)
	var items []struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			LogicalID string `json:"logical_id"`
			Status    string `json:"status"`
		} `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(doc.Data, &items))
	require.Len(t, items, 2)
	assert.Equal(t, "message", items[0].Type)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "m1", items[0].Attributes.LogicalID)
	assert.Equal(t, float64(2), doc.Meta["next_after"])

	rr = do(h.ListMessages, http.MethodGet, "/api/v1/messages?status=received&after=2")
	doc = decode(t, rr)
	require.NoError(t, json.Unmarshal(doc.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "3", items[0].ID)
	assert.NotContains(t, doc.Meta, "next_after")
}

func TestListMessages_BadParams(t *testing.T) {
	h, _ := setup(t)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"missing status", http.MethodGet, "/api/v1/messages", http.StatusBadRequest},
		{"unknown status", http.MethodGet, "/api/v1/messages?status=done", http.StatusBadRequest},
		{"bad cursor", http.MethodGet, "/api/v1/messages?status=received&after=x", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/v1/messages?status=received", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(h.ListMessages, tt.method, tt.target).Code)
		})
	}
}

func TestGetMessage(t *testing.T) {
	h, repo := setup(t)
	seed(t, repo, "m1")

	code := 500
	body := "boom"
	msg := "downstream returned status 500"
	kind := "http_5xx"
	_, err := repo.Transition(context.Background(), 1, models.StatusReceived, repository.Transition{To: models.StatusProcessed})
	require.NoError(t, err)
	_, err = repo.Transition(context.Background(), 1, models.StatusProcessed, repository.Transition{
		To: models.StatusDownstreamError, ForwardStatusCode: &code, ForwardBody: &body, Error: &msg, ErrorKind: &kind,
	})
	require.NoError(t, err)

	rr := do(h.GetMessage, http.MethodGet, "/api/v1/messages/1")
	require.Equal(t, http.StatusOK, rr.Code)

	var res struct {
		Data struct {
			Attributes struct {
				Status        string `json:"status"`
				ForwardResult struct {
					StatusCode int    `json:"status_code"`
					Body       string `json:"body"`
					Error      string `json:"error"`
				} `json:"forward_result"`
			} `json:"attributes"`
			Links map[string]string `json:"links"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "downstream_error", res.Data.Attributes.Status)
	assert.Equal(t, 500, res.Data.Attributes.ForwardResult.StatusCode)
	assert.Equal(t, msg, res.Data.Attributes.ForwardResult.Error)
	assert.Equal(t, "/api/v1/messages/1", res.Data.Links["self"])
}

func TestGetMessage_Errors(t *testing.T) {
	h, _ := setup(t)

	assert.Equal(t, http.StatusNotFound, do(h.GetMessage, http.MethodGet, "/api/v1/messages/42").Code)
	assert.Equal(t, http.StatusBadRequest, do(h.GetMessage, http.MethodGet, "/api/v1/messages/abc").Code)
	assert.Equal(t, http.StatusBadRequest, do(h.GetMessage, http.MethodGet, "/api/v1/messages/0").Code)
}

func TestRedispatchMessage(t *testing.T) {
	h, repo := setup(t)
	seed(t, repo, "m1", "m2")

	msg := "enrichment rate_limited: 429"
	kind := "rate_limited"
	_, err := repo.Transition(context.Background(), 1, models.StatusReceived, repository.Transition{
		To: models.StatusAgentError, Error: &msg, ErrorKind: &kind,
	})
	require.NoError(t, err)

	rr := do(h.RedispatchMessage, http.MethodPost, "/api/v1/messages/1/redispatch")
	require.Equal(t, http.StatusOK, rr.Code)
	rec, err := repo.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReceived, rec.Status)

	// m2 never failed.
	rr = do(h.RedispatchMessage, http.MethodPost, "/api/v1/messages/2/redispatch")
	assert.Equal(t, http.StatusConflict, rr.Code)

	assert.Equal(t, http.StatusNotFound, do(h.RedispatchMessage, http.MethodPost, "/api/v1/messages/9/redispatch").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h.RedispatchMessage, http.MethodGet, "/api/v1/messages/1/redispatch").Code)
}

func TestStats(t *testing.T) {
	h, repo := setup(t)
	seed(t, repo, "m1", "m2")

	rr := do(h.Stats, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rr.Code)

	var res struct {
		Data struct {
			Attributes struct {
				ByStatus map[string]int64 `json:"by_status"`
				Total    int64            `json:"total"`
			} `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, int64(2), res.Data.Attributes.Total)
	assert.Equal(t, int64(2), res.Data.Attributes.ByStatus["received"])
	assert.Equal(t, int64(0), res.Data.Attributes.ByStatus["forwarded"])
}

type fakeDLQ struct {
	entries []dlq.Entry
	purged  bool
	err     error
}

func (f *fakeDLQ) List(ctx context.Context, limit int) ([]dlq.Entry, uint64, error) {
	return f.entries, uint64(len(f.entries)), f.err
}
func (f *fakeDLQ) Stats(ctx context.Context) map[string]any { return map[string]any{"enabled": true} }
func (f *fakeDLQ) Purge(ctx context.Context) error          { f.purged = true; return f.err }

func TestDLQ(t *testing.T) {
	repo := repository.NewMemoryRepository()
	reader := &fakeDLQ{entries: []dlq.Entry{{Sequence: 4, MessageID: 1, LogicalID: "m1", Status: models.StatusAgentError}}}
	h := NewHandler(service.NewService(repo, nopWaker{}, discardLogger()), reader, discardLogger())

	rr := do(h.DLQ, http.MethodGet, "/api/v1/dlq")
	require.Equal(t, http.StatusOK, rr.Code)
	doc := decode(t, rr)
	assert.Equal(t, float64(1), doc.Meta["total"])
	assert.Contains(t, string(doc.Data), `"id":"4"`)

	assert.Equal(t, http.StatusNoContent, do(h.DLQ, http.MethodDelete, "/api/v1/dlq").Code)
	assert.True(t, reader.purged)

	reader.err = errors.New("stream gone")
	assert.Equal(t, http.StatusInternalServerError, do(h.DLQ, http.MethodGet, "/api/v1/dlq").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h.DLQ, http.MethodPut, "/api/v1/dlq").Code)
}

func TestDLQ_Disabled(t *testing.T) {
	h, _ := setup(t)
	assert.Equal(t, http.StatusNotFound, do(h.DLQ, http.MethodGet, "/api/v1/dlq").Code)
	assert.Equal(t, http.StatusNotFound, do(h.DLQ, http.MethodDelete, "/api/v1/dlq").Code)
}


func TestHealthAndReady(t *testing.T) {
	h, _ := setup(t)
	assert.Equal(t, http.StatusOK, do(h.HealthCheck, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, do(h.ReadyCheck, http.MethodGet, "/readyz").Code)

	down := NewHandler(pingFails{}, nil, discardLogger())
	assert.Equal(t, http.StatusServiceUnavailable, do(down.ReadyCheck, http.MethodGet, "/readyz").Code)
}

type fakeBroker struct {
	messaging.Client
	connected bool
}

func (f fakeBroker) IsConnected() bool           { return f.connected }
func (f fakeBroker) RTT() (time.Duration, error) { return time.Millisecond, nil }

func TestReadyCheck_ReportsBroker(t *testing.T) {
	_, repo := setup(t)
	svc := service.NewService(repo, nopWaker{}, discardLogger())

	rr := do(NewHandler(svc, nil, discardLogger(), WithBroker(fakeBroker{connected: true})).ReadyCheck, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"connected":true`)

	rr = do(NewHandler(svc, nil, discardLogger(), WithBroker(fakeBroker{})).ReadyCheck, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "not connected to message broker")

	rr = do(NewHandler(pingFails{}, nil, discardLogger(), WithBroker(fakeBroker{connected: true})).ReadyCheck, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"broker"`)
}

type pingFails struct{ MessageService }

func (pingFails) Ping(context.Context) error { return errors.New("db down") }
