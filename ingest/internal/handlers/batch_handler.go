package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/relay/common/httputil"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/messaging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/producerstats"
	ingestmodels "github.com/telhawk-systems/relay/ingest/internal/models"
	"github.com/telhawk-systems/relay/ingest/internal/metrics"
	"github.com/telhawk-systems/relay/ingest/internal/ratelimit"
	"github.com/telhawk-systems/relay/ingest/internal/service"
	"github.com/telhawk-systems/relay/ingest/internal/validator"
)

// BatchIngester is the part of the ingest service the handlers use.
type BatchIngester interface {
	IngestBatch(ctx context.Context, req *ingestmodels.BatchRequest) (*models.BatchResponse, error)
	GetStats() ingestmodels.IngestionStats
	Ping(ctx context.Context) error
}

// UsageRecorder accumulates per-session usage. producerstats.Collector
// implements it.
type UsageRecorder interface {
	Record(session string, counts producerstats.Counts, clientIP string)
}

type BatchHandler struct {
	service      BatchIngester
	limiter      ratelimit.RateLimiter
	usage        UsageRecorder
	broker       messaging.Client
	logger       *slog.Logger
	maxBodyBytes int64
}

// HandlerOption configures a BatchHandler.
type HandlerOption func(*BatchHandler)

// WithUsageRecorder records every accepted batch against its producer session.
func WithUsageRecorder(r UsageRecorder) HandlerOption {
	return func(h *BatchHandler) { h.usage = r }
}

// WithBroker adds the notification broker's health to /readyz. A broker
// outage is reported but does not make ingest unready.
func WithBroker(c messaging.Client) HandlerOption {
	return func(h *BatchHandler) { h.broker = c }
}

func NewBatchHandler(svc BatchIngester, limiter ratelimit.RateLimiter, logger *slog.Logger, maxBodyBytes int64, opts ...HandlerOption) *BatchHandler {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	h := &BatchHandler{
		service:      svc,
		limiter:      limiter,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleBatch serves POST /api/v1/batches. Per-event problems are reported
// in the 200 response; only an unreadable envelope fails the request.
func (h *BatchHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.ContentLength > 0 {
		metrics.RequestBytes.Add(float64(r.ContentLength))
	}

	var req ingestmodels.BatchRequest
	if err := httputil.DecodeJSON(r, &req, h.maxBodyBytes); err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			metrics.BatchesTotal.WithLabelValues("too_large").Inc()
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		metrics.BatchesTotal.WithLabelValues("malformed").Inc()
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	clientIP := httputil.GetClientIP(r)
	key := req.ProducerSessionID
	if key == "" {
		key = clientIP
	}
	allowed, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		// Fail open: a limiter outage must not stop ingestion.
		h.logger.WarnContext(r.Context(), "rate limit check failed", logging.Error(err))
	} else if !allowed {
		metrics.BatchesTotal.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	resp, err := h.service.IngestBatch(r.Context(), &req)
	switch {
	case err == nil:
		if h.usage != nil {
			h.usage.Record(req.ProducerSessionID, producerstats.Counts{
				Batches:    1,
				Inserted:   int64(resp.Inserted),
				Duplicates: int64(resp.Duplicates),
				Rejected:   int64(resp.Rejected),
			}, clientIP)
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	case errors.Is(err, validator.ErrInvalidBatch):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrStore):
		httputil.WriteError(w, http.StatusServiceUnavailable, "message store unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "batch ingestion failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *BatchHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (h *BatchHandler) Ready(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ready",
		"stats":  h.service.GetStats(),
	}
	if h.broker != nil {
		body["broker"] = messaging.CheckClientHealth(h.broker)
	}

	if err := h.service.Ping(r.Context()); err != nil {
		body["status"] = "unavailable"
		body["error"] = err.Error()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
