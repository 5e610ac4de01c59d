// Package server provides HTTP server setup for the dispatch service.
package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/relay/common/middleware"
	"github.com/telhawk-systems/relay/dispatch/internal/handlers"
	"github.com/telhawk-systems/relay/dispatch/internal/metrics"
)

// NewRouter constructs a ServeMux with dispatch API routes registered.
func NewRouter(h *handlers.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("/healthz", h.HealthCheck)
	mux.HandleFunc("/readyz", h.ReadyCheck)

	mux.HandleFunc("/api/v1/messages", h.ListMessages)
	mux.HandleFunc("/api/v1/messages/", messageRouteHandler(h))
	mux.HandleFunc("/api/v1/stats", h.Stats)
	mux.HandleFunc("/api/v1/dlq", h.DLQ)

	mux.Handle("/metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(logger, observe),
		middleware.Recovery(logger),
	)
}

// messageRouteHandler routes /api/v1/messages/{id}/* requests to appropriate handlers
func messageRouteHandler(h *handlers.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/redispatch"):
			h.RedispatchMessage(w, r)
		default:
			h.GetMessage(w, r)
		}
	}
}

func observe(_, path string, status int, _ time.Duration) {
	metrics.HTTPRequests.WithLabelValues(routeLabel(path), strconv.Itoa(status)).Inc()
}

// routeLabel folds message ids out of the path to keep label cardinality flat.
func routeLabel(path string) string {
	if !strings.HasPrefix(path, "/api/v1/messages/") {
		return path
	}
	if strings.HasSuffix(path, "/redispatch") {
		return "/api/v1/messages/{id}/redispatch"
	}
	return "/api/v1/messages/{id}"
}
