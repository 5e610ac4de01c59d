package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/relay/common/messaging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/producerstats"
	"github.com/telhawk-systems/relay/common/repository"
	ingestmodels "github.com/telhawk-systems/relay/ingest/internal/models"
	"github.com/telhawk-systems/relay/ingest/internal/service"
	"github.com/telhawk-systems/relay/ingest/internal/validator"
)

type mockIngestService struct {
	resp    *models.BatchResponse
	err     error
	pingErr error
	got     *ingestmodels.BatchRequest
}

func (m *mockIngestService) IngestBatch(_ context.Context, req *ingestmodels.BatchRequest) (*models.BatchResponse, error) {
	m.got = req
	return m.resp, m.err
}

func (m *mockIngestService) GetStats() ingestmodels.IngestionStats {
	return ingestmodels.IngestionStats{Batches: 3}
}

func (m *mockIngestService) Ping(context.Context) error { return m.pingErr }

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

const validBody = `{"batchId":"b-1","producerSessionId":"laptop-1","events":[{"logicalId":"m1","payload":{"text":"Güncellendi"},"observedAt":"2024-05-01T12:00:00Z"}]}`

func TestHandleBatch_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
	}{
		{"accepted", validBody, nil, http.StatusOK},
		{"malformed json", `{"batchId":`, nil, http.StatusBadRequest},
		{"events not an array", `{"batchId":"b","events":"nope"}`, nil, http.StatusBadRequest},
		{"trailing data", validBody + `{}`, nil, http.StatusBadRequest},
		{"invalid envelope", validBody, fmt.Errorf("%w: batchId: required", validator.ErrInvalidBatch), http.StatusBadRequest},
		{"store down", validBody, fmt.Errorf("%w: boom", service.ErrStore), http.StatusServiceUnavailable},
		{"unexpected", validBody, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockIngestService{resp: &models.BatchResponse{BatchID: "b-1"}, err: tt.svcErr}
			h := NewBatchHandler(svc, nil, discardLogger(), 0)

			rr := post(h.HandleBatch, tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestHandleBatch_MethodNotAllowed(t *testing.T) {
	h := NewBatchHandler(&mockIngestService{}, nil, discardLogger(), 0)
	rr := httptest.NewRecorder()
	h.HandleBatch(rr, httptest.NewRequest(http.MethodGet, "/api/v1/batches", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
}

func TestHandleBatch_TooLarge(t *testing.T) {
	h := NewBatchHandler(&mockIngestService{}, nil, discardLogger(), 16)
	rr := post(h.HandleBatch, validBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestHandleBatch_RateLimited(t *testing.T) {
	limiter := &stubLimiter{allow: false}
	svc := &mockIngestService{}
	h := NewBatchHandler(svc, limiter, discardLogger(), 0)

	rr := post(h.HandleBatch, validBody)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, []string{"laptop-1"}, limiter.keys)
	assert.Nil(t, svc.got, "limited batches never reach the service")
}

func TestHandleBatch_RateLimitKeyFallsBackToIP(t *testing.T) {
	limiter := &stubLimiter{allow: true}
	h := NewBatchHandler(&mockIngestService{resp: &models.BatchResponse{}}, limiter, discardLogger(), 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(`{"batchId":"b","events":[]}`))
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.1")
	h.HandleBatch(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"10.0.0.7"}, limiter.keys)
}

func TestHandleBatch_LimiterErrorFailsOpen(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis down")}
	h := NewBatchHandler(&mockIngestService{resp: &models.BatchResponse{}}, limiter, discardLogger(), 0)

	rr := post(h.HandleBatch, validBody)
	assert.Equal(t, http.StatusOK, rr.Code)
}

// End to end through the real service and in-memory store.
func TestHandleBatch_PerEventOutcomes(t *testing.T) {
	svc := service.NewIngestService(repository.NewMemoryRepository(), discardLogger())
	h := NewBatchHandler(svc, nil, discardLogger(), 0)

	body := `{"batchId":"b-1","producerSessionId":"laptop-1","events":[
		{"logicalId":"m1","payload":{"text":"Güncellendi"},"observedAt":"2024-05-01T12:00:00Z"},
		{"logicalId":"m2","payload":{"author":"ayse"},"observedAt":"2024-05-01T12:00:01Z"},
		{"logicalId":"m3","payload":{"text":"ok"},"observedAt":1714564802000}
	]}`

	rr := post(h.HandleBatch, body)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp models.BatchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Inserted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "payload.text: required", resp.Results[1].Reason)

	rr = post(h.HandleBatch, body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Zero(t, resp.Inserted)
	assert.Equal(t, 2, resp.Duplicates)
	assert.Equal(t, 1, resp.Rejected)
}

func TestHandleBatch_MalformedEventDoesNotFailBatch(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := service.NewIngestService(repo, discardLogger())
	h := NewBatchHandler(svc, nil, discardLogger(), 0)

	body := `{"batchId":"b-1","events":[
		{"logicalId":"good-1","payload":{"text":"ok"},"observedAt":"2024-05-01T12:00:00Z"},
		{"logicalId":42,"payload":{"text":"ok"},"observedAt":"2024-05-01T12:00:00Z"},
		17,
		{"logicalId":"nul-1","payload":{"text":"a\u0000b"},"observedAt":"2024-05-01T12:00:00Z"}
	]}`

	rr := post(h.HandleBatch, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp models.BatchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Inserted)
	assert.Equal(t, 3, resp.Rejected)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, "logicalId: must be a string", resp.Results[1].Reason)
	assert.Equal(t, "event: must be a JSON object", resp.Results[2].Reason)
	assert.Equal(t, "payload.text: must not contain NUL characters", resp.Results[3].Reason)

	rec, err := repo.GetByLogicalID(context.Background(), "good-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.BatchIndex)
}

func TestHealthAndReady(t *testing.T) {
	svc := &mockIngestService{}
	h := NewBatchHandler(svc, nil, discardLogger(), 0)

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"batches":3`)

	svc.pingErr = errors.New("pool closed")
	rr = httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "pool closed")
}

type fakeBroker struct {
	messaging.Client
	connected bool
}

func (f fakeBroker) IsConnected() bool           { return f.connected }
func (f fakeBroker) RTT() (time.Duration, error) { return 2 * time.Millisecond, nil }

func TestReady_ReportsBrokerHealth(t *testing.T) {
	h := NewBatchHandler(&mockIngestService{}, nil, discardLogger(), 0, WithBroker(fakeBroker{connected: true}))
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Broker messaging.HealthStatus `json:"broker"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Broker.Connected)
	assert.InDelta(t, 2.0, body.Broker.LatencyMS, 0.001)

	// Dispatch falls back to polling, so a lost broker does not fail readiness.
	h = NewBatchHandler(&mockIngestService{}, nil, discardLogger(), 0, WithBroker(fakeBroker{}))
	rr = httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "not connected to message broker")

	rr = httptest.NewRecorder()
	NewBatchHandler(&mockIngestService{}, nil, discardLogger(), 0).Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.NotContains(t, rr.Body.String(), "broker")
}

type recordedUsage struct {
	session string
	counts  producerstats.Counts
	ip      string
}

type stubRecorder struct{ got []recordedUsage }

func (s *stubRecorder) Record(session string, counts producerstats.Counts, clientIP string) {
	s.got = append(s.got, recordedUsage{session, counts, clientIP})
}

func TestHandleBatch_RecordsUsage(t *testing.T) {
	rec := &stubRecorder{}
	svc := &mockIngestService{resp: &models.BatchResponse{Inserted: 2, Duplicates: 1, Rejected: 1}}
	h := NewBatchHandler(svc, nil, discardLogger(), 0, WithUsageRecorder(rec))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(validBody))
	req.Header.Set("X-Forwarded-For", "10.0.0.7")
	rr := httptest.NewRecorder()
	h.HandleBatch(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, rec.got, 1)
	assert.Equal(t, recordedUsage{
		session: "laptop-1",
		counts:  producerstats.Counts{Batches: 1, Inserted: 2, Duplicates: 1, Rejected: 1},
		ip:      "10.0.0.7",
	}, rec.got[0])

	// Failed batches are not usage.
	svc.err = fmt.Errorf("%w: boom", service.ErrStore)
	post(h.HandleBatch, validBody)
	assert.Len(t, rec.got, 1)
}
