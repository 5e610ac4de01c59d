package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/relay/common/httputil"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/producerstats"
)

const defaultActiveWindow = 24 * time.Hour

// ProducerStatsReader reads per-session usage. producerstats.Client
// implements it.
type ProducerStatsReader interface {
	Get(ctx context.Context, session string) (*producerstats.Stats, error)
	ListActive(ctx context.Context, since time.Duration) ([]string, error)
}

// ProducerHandler serves the producer usage endpoints.
type ProducerHandler struct {
	stats  ProducerStatsReader
	logger *slog.Logger
}

func NewProducerHandler(stats ProducerStatsReader, logger *slog.Logger) *ProducerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProducerHandler{stats: stats, logger: logger}
}

// ListActive serves GET /api/v1/producers?since=1h.
func (h *ProducerHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httputil.WriteJSONAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "")
		return
	}

	since := defaultActiveWindow
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			httputil.WriteJSONAPIValidationError(w, "since must be a positive duration such as 1h")
			return
		}
		since = d
	}

	sessions, err := h.stats.ListActive(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list producer sessions", logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "failed to list producer sessions")
		return
	}

	items := make([]httputil.JSONAPIResource, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, httputil.JSONAPIResource{
			Type:       "producer",
			ID:         s,
			Attributes: map[string]string{"session_id": s},
			Links:      map[string]string{"stats": "/api/v1/producers/" + s + "/stats"},
		})
	}
	httputil.WriteJSONAPICollection(w, http.StatusOK, items, map[string]any{
		"since": since.String(),
		"count": len(items),
	})
}

// GetStats serves GET /api/v1/producers/{session}/stats.
func (h *ProducerHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httputil.WriteJSONAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "")
		return
	}

	session, ok := sessionFromPath(r.URL.Path)
	if !ok {
		httputil.WriteJSONAPINotFoundError(w, "producer", r.URL.Path)
		return
	}

	stats, err := h.stats.Get(r.Context(), session)
	switch {
	case errors.Is(err, producerstats.ErrNotFound):
		httputil.WriteJSONAPINotFoundError(w, "producer", session)
	case err != nil:
		h.logger.ErrorContext(r.Context(), "failed to read producer stats",
			logging.SessionID(session), logging.Error(err))
		httputil.WriteJSONAPIInternalError(w, "failed to read producer stats")
	default:
		httputil.WriteJSONAPIResource(w, http.StatusOK, httputil.JSONAPIResource{
			Type:       "producer_stats",
			ID:         session,
			Attributes: stats,
		})
	}
}

// sessionFromPath extracts {session} from /api/v1/producers/{session}/stats.
func sessionFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/v1/producers/")
	if !ok {
		return "", false
	}
	session, ok := strings.CutSuffix(rest, "/stats")
	if !ok || session == "" || strings.Contains(session, "/") {
		return "", false
	}
	return session, true
}
