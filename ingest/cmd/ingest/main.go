package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/telhawk-systems/relay/common/database"
	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/messaging"
	"github.com/telhawk-systems/relay/common/producerstats"
	natsclient "github.com/telhawk-systems/relay/common/messaging/nats"
	"github.com/telhawk-systems/relay/ingest/internal/config"
	"github.com/telhawk-systems/relay/ingest/internal/handlers"
	"github.com/telhawk-systems/relay/ingest/internal/ratelimit"
	"github.com/telhawk-systems/relay/ingest/internal/server"
	"github.com/telhawk-systems/relay/ingest/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("ingest"))
	logging.SetDefault(logger)

	slog.Info("Starting Ingest service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("log_format", cfg.Logging.Format),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx := context.Background()

	repo, err := database.Open(ctx, cfg.Database, logger.Logger)
	if err != nil {
		slog.Error("Failed to open message store", logging.Error(err))
		os.Exit(1)
	}
	defer repo.Close()

	// Wake-up notifications for dispatch. Without NATS, dispatch relies on polling.
	publisher := messaging.Discard
	var handlerOpts []handlers.HandlerOption
	if cfg.NATS.Enabled {
		nc, err := natsclient.NewClient(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          "relay-ingest",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Logger:        logger.Logger,
		})
		if err != nil {
			slog.Warn("NATS unavailable, continuing without notifications", logging.Error(err))
		} else {
			publisher = nc
			handlerOpts = append(handlerOpts, handlers.WithBroker(nc))
			defer nc.Close()
			slog.Info("Publishing notifications", slog.String("subject", messaging.SubjectMessagesReceived))
		}
	}

	var rateLimiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.Redis.Enabled && cfg.Ingestion.RateLimitEnabled {
		limiter, err := ratelimit.NewRedisRateLimiter(
			cfg.Redis.URL,
			cfg.Ingestion.RateLimitRequests,
			cfg.Ingestion.RateLimitWindow,
			false,
		)
		if err != nil {
			slog.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting", logging.Error(err))
		} else {
			rateLimiter = limiter
			slog.Info("Rate limiting enabled",
				slog.Int("requests", cfg.Ingestion.RateLimitRequests),
				slog.Duration("window", cfg.Ingestion.RateLimitWindow),
			)
		}
	}
	defer rateLimiter.Close()

	var producers *handlers.ProducerHandler
	if cfg.Redis.Enabled && cfg.Producers.StatsEnabled {
		instanceID := cfg.Producers.InstanceID
		if instanceID == "" {
			instanceID, _ = os.Hostname()
		}
		stats, err := producerstats.NewClient(cfg.Redis.URL, instanceID)
		if err != nil {
			slog.Warn("Producer stats unavailable, continuing without them", logging.Error(err))
		} else {
			collector := producerstats.NewCollector(stats, cfg.Producers.FlushInterval, logger.Logger)
			defer stats.Close()
			defer collector.Stop()
			handlerOpts = append(handlerOpts, handlers.WithUsageRecorder(collector))
			producers = handlers.NewProducerHandler(stats, logger.Logger)
			slog.Info("Producer stats enabled",
				slog.String("instance_id", instanceID),
				slog.Duration("flush_interval", cfg.Producers.FlushInterval),
			)
		}
	}

	ingestService := service.NewIngestService(repo, logger.Logger, service.WithPublisher(publisher))
	handler := handlers.NewBatchHandler(ingestService, rateLimiter, logger.Logger, cfg.Ingestion.MaxBodyBytes, handlerOpts...)
	router := server.NewRouter(handler, producers, logger.Logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Ingest service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}

	slog.Info("Server stopped")
}
