// Package handlers provides the operator API of the dispatch service.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/telhawk-systems/relay/common/httputil"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/messaging"
	"github.com/telhawk-systems/relay/common/models"
	"github.com/telhawk-systems/relay/common/repository"
	"github.com/telhawk-systems/relay/dispatch/internal/dlq"
	"github.com/telhawk-systems/relay/dispatch/internal/service"
)

const (
	messagesPath = "/api/v1/messages"
	typeMessage  = "message"
)

// MessageService is the part of the dispatch service the handlers use.
type MessageService interface {
	Get(ctx context.Context, id int64) (*models.MessageRecord, error)
	List(ctx context.Context, status models.Status, limit int, afterID int64) ([]*models.MessageRecord, error)
	Stats(ctx context.Context) (map[models.Status]int64, error)
	Redispatch(ctx context.Context, id int64) (*models.MessageRecord, error)
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the dispatch service
type Handler struct {
	svc    MessageService
	dlq    dlq.Reader
	broker messaging.Client
	logger *slog.Logger
}

type Option func(*Handler)

// WithBroker reports the wake-up broker's health on /readyz.
func WithBroker(c messaging.Client) Option {
	return func(h *Handler) { h.broker = c }
}

// NewHandler creates a Handler. reader may be nil when the DLQ is disabled.
func NewHandler(svc MessageService, reader dlq.Reader, logger *slog.Logger, opts ...Option) *Handler {
	if reader == nil {
		reader = (*dlq.JetStreamQueue)(nil)
	}
	h := &Handler{svc: svc, dlq: reader, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// messageView adds the derived forward result to a record.
type messageView struct {
	*models.MessageRecord
	ForwardResult *models.ForwardResult `json:"forward_result,omitempty"`
}

func messageResource(rec *models.MessageRecord) httputil.JSONAPIResource {
	id := strconv.FormatInt(rec.ID, 10)
	return httputil.JSONAPIResource{
		Type:       typeMessage,
		ID:         id,
		Attributes: messageView{MessageRecord: rec, ForwardResult: rec.ForwardResult()},
		Links:      map[string]string{"self": messagesPath + "/" + id},
	}
}

// extractIDFromPath extracts an ID from a URL path like /api/v1/messages/{id}
func extractIDFromPath(path, prefix string) string {
	remaining := strings.TrimPrefix(path, prefix)
	remaining = strings.TrimPrefix(remaining, "/")

	parts := strings.Split(remaining, "/")
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

func parseMessageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := extractIDFromPath(r.URL.Path, messagesPath)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteJSONAPIValidationError(w, "Message ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	httputil.WriteJSONAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "")
}

// =============================================================================
// Health Check Handlers
// =============================================================================

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "dispatch",
	})
}

// ReadyCheck handles GET /readyz. Only the message store gates readiness;
// without the broker dispatch keeps polling.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ready",
		"service": "dispatch",
	}
	if h.broker != nil {
		body["broker"] = messaging.CheckClientHealth(h.broker)
	}

	if err := h.svc.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", logging.Error(err))
		body["status"] = "unavailable"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// =============================================================================
// Message Handlers
// =============================================================================

// ListMessages handles GET /api/v1/messages?status=&limit=&after=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	q := r.URL.Query()
	status := models.Status(q.Get("status"))
	if !status.IsValid() {
		httputil.WriteJSONAPIValidationError(w, "status must be one of received, processed, agent_error, forwarded, downstream_error")
		return
	}
	limit := httputil.ParseIntParam(q.Get("limit"), repository.DefaultListLimit)
	if limit <= 0 || limit > repository.MaxListLimit {
		limit = repository.DefaultListLimit
	}
	after, err := strconv.ParseInt(q.Get("after"), 10, 64)
	if q.Get("after") != "" && (err != nil || after < 0) {
		httputil.WriteJSONAPIValidationError(w, "after must be a non-negative message ID")
		return
	}

	records, err := h.svc.List(r.Context(), status, limit, after)
	if err != nil {
		h.logger.Error("failed to list messages", logging.MessageStatus(string(status)), logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to list messages")
		return
	}

	items := make([]httputil.JSONAPIResource, 0, len(records))
	for _, rec := range records {
		items = append(items, messageResource(rec))
	}
	meta := map[string]any{"status": status, "count": len(items)}
	if len(records) == limit {
		meta["next_after"] = records[len(records)-1].ID
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, items, meta)
}

// GetMessage handles GET /api/v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id, ok := parseMessageID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		httputil.WriteJSONAPINotFoundError(w, typeMessage, strconv.FormatInt(id, 10))
		return
	}
	if err != nil {
		h.logger.Error("failed to get message", logging.MessageID(id), logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to get message")
		return
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, messageResource(rec))
}

// RedispatchMessage handles POST /api/v1/messages/{id}/redispatch
func (h *Handler) RedispatchMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	id, ok := parseMessageID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Redispatch(r.Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		httputil.WriteJSONAPINotFoundError(w, typeMessage, strconv.FormatInt(id, 10))
	case errors.Is(err, service.ErrNotRedispatchable):
		httputil.WriteJSONAPIConflictError(w, err.Error())
	case errors.Is(err, repository.ErrStaleTransition):
		httputil.WriteJSONAPIConflictError(w, "Message changed status while being re-dispatched")
	case err != nil:
		h.logger.Error("failed to re-dispatch message", logging.MessageID(id), logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to re-dispatch message")
	default:
		httputil.WriteJSONAPIResource(w, http.StatusOK, messageResource(rec))
	}
}

// =============================================================================
// Stats and DLQ Handlers
// =============================================================================

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	counts, err := h.svc.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to count messages", logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to count messages")
		return
	}

	var total int64
	byStatus := make(map[string]int64, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}
	httputil.WriteJSONAPIResource(w, http.StatusOK, httputil.JSONAPIResource{
		Type: "stats",
		ID:   "messages",
		Attributes: map[string]any{
			"by_status": byStatus,
			"total":     total,
		},
	})
}

// DLQ handles GET and DELETE /api/v1/dlq
func (h *Handler) DLQ(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listDLQ(w, r)
	case http.MethodDelete:
		h.purgeDLQ(w, r)
	default:
		methodNotAllowed(w, "GET, DELETE")
	}
}

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 100)
	if limit <= 0 || limit > repository.MaxListLimit {
		limit = 100
	}

	entries, total, err := h.dlq.List(r.Context(), limit)
	if errors.Is(err, dlq.ErrDisabled) {
		httputil.WriteJSONAPIError(w, http.StatusNotFound, "dlq_disabled", "DLQ Disabled", "The dead-letter stream is not enabled")
		return
	}
	if err != nil {
		h.logger.Error("failed to read dlq", logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to read dead-letter stream")
		return
	}

	items := make([]httputil.JSONAPIResource, 0, len(entries))
	for _, e := range entries {
		items = append(items, httputil.JSONAPIResource{
			Type:       "dlq_entry",
			ID:         strconv.FormatUint(e.Sequence, 10),
			Attributes: e,
		})
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, items, map[string]any{
		"total": total,
		"stats": h.dlq.Stats(r.Context()),
	})
}

func (h *Handler) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	err := h.dlq.Purge(r.Context())
	if errors.Is(err, dlq.ErrDisabled) {
		httputil.WriteJSONAPIError(w, http.StatusNotFound, "dlq_disabled", "DLQ Disabled", "The dead-letter stream is not enabled")
		return
	}
	if err != nil {
		h.logger.Error("failed to purge dlq", logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "Failed to purge dead-letter stream")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
