package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/relay/common/middleware"
	"github.com/telhawk-systems/relay/ingest/internal/handlers"
	"github.com/telhawk-systems/relay/ingest/internal/metrics"
)

// NewRouter constructs a ServeMux with ingest API routes registered. The
// producer routes are only served when producers is non-nil.
func NewRouter(h *handlers.BatchHandler, producers *handlers.ProducerHandler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/batches", h.HandleBatch)

	if producers != nil {
		mux.HandleFunc("/api/v1/producers", producers.ListActive)
		mux.HandleFunc("/api/v1/producers/", producers.GetStats)
	}

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(logger, observe),
		middleware.Recovery(logger),
	)
}

func observe(_, path string, status int, _ time.Duration) {
	metrics.HTTPRequests.WithLabelValues(routeLabel(path), strconv.Itoa(status)).Inc()
}

// routeLabel keeps session ids out of metric labels.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/producers/") {
		return "/api/v1/producers/{session}/stats"
	}
	return path
}
