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

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/relay/common/database"
	"github.com/telhawk-systems/relay/common/logging"
	natsclient "github.com/telhawk-systems/relay/common/messaging/nats"
	"github.com/telhawk-systems/relay/dispatch/internal/config"
	"github.com/telhawk-systems/relay/dispatch/internal/dlq"
	"github.com/telhawk-systems/relay/dispatch/internal/enricher"
	"github.com/telhawk-systems/relay/dispatch/internal/enrichment"
	"github.com/telhawk-systems/relay/dispatch/internal/forwarding"
	"github.com/telhawk-systems/relay/dispatch/internal/handlers"
	dispatchnats "github.com/telhawk-systems/relay/dispatch/internal/nats"
	"github.com/telhawk-systems/relay/dispatch/internal/scheduler"
	"github.com/telhawk-systems/relay/dispatch/internal/server"
	"github.com/telhawk-systems/relay/dispatch/internal/service"
	"github.com/telhawk-systems/relay/dispatch/internal/webhook"
	"github.com/telhawk-systems/relay/dispatch/internal/worker"
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
	).With(logging.Service("dispatch"))
	logging.SetDefault(logger)

	slog.Info("Starting Dispatch service",
		slog.Int("port", cfg.Server.Port),
		slog.Int("concurrency", cfg.Dispatch.Concurrency),
		slog.Duration("poll_interval", cfg.Dispatch.PollInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := database.Open(ctx, cfg.Database, logger.Logger)
	if err != nil {
		slog.Error("Failed to open message store", logging.Error(err))
		os.Exit(1)
	}
	defer repo.Close()

	// Broker: wake-ups always, JetStream only when the DLQ mirror is on.
	var (
		subscriber  dispatchnats.Subscriber
		deadLetter  *dlq.JetStreamQueue
		handlerOpts []handlers.Option
	)
	if cfg.NATS.Enabled {
		natsCfg := natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          "relay-dispatch",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Logger:        logger.Logger,
		}
		if cfg.DLQ.Enabled {
			js, err := natsclient.NewJetStreamClient(natsCfg)
			if err != nil {
				slog.Warn("NATS unavailable, continuing without wake-ups or DLQ", logging.Error(err))
			} else {
				defer js.Close()
				subscriber = js
				handlerOpts = append(handlerOpts, handlers.WithBroker(js))
				deadLetter, err = dlq.NewJetStreamQueue(ctx, js, logger.Logger)
				if err != nil {
					slog.Warn("DLQ unavailable, continuing without it", logging.Error(err))
					deadLetter = nil
				}
			}
		} else {
			nc, err := natsclient.NewClient(natsCfg)
			if err != nil {
				slog.Warn("NATS unavailable, continuing with polling only", logging.Error(err))
			} else {
				defer nc.Close()
				subscriber = nc
				handlerOpts = append(handlerOpts, handlers.WithBroker(nc))
			}
		}
	}

	var transform enricher.Enricher = enricher.Local{}
	if cfg.Enricher.URL != "" {
		transform = enricher.NewHTTP(cfg.Enricher.URL, cfg.Enricher.Timeout)
		slog.Info("Using remote enricher", slog.String("url", cfg.Enricher.URL))
	} else {
		slog.Info("No enricher URL configured, using local enricher")
	}

	var forwarderOpts []webhook.Option
	if cfg.Forwarder.SigningKey != "" {
		forwarderOpts = append(forwarderOpts, webhook.WithSigningKey(cfg.Forwarder.SigningKey))
	}
	forwarder := webhook.New(cfg.Forwarder.URL, cfg.Forwarder.Timeout, forwarderOpts...)

	pool := worker.NewPool(repo, cfg.Dispatch.Concurrency, cfg.Dispatch.PageSize)

	enrichOpts := []enrichment.Option{enrichment.WithTimeout(cfg.Enricher.Timeout)}
	forwardOpts := []forwarding.Option{forwarding.WithTimeout(cfg.Forwarder.Timeout)}
	if deadLetter != nil {
		enrichOpts = append(enrichOpts, enrichment.WithDeadLetter(deadLetter))
		forwardOpts = append(forwardOpts, forwarding.WithDeadLetter(deadLetter))
	}

	sched := scheduler.NewScheduler(cfg.Dispatch.PollInterval, logger.Logger,
		enrichment.NewDispatcher(repo, transform, pool, logger.Logger, enrichOpts...),
		forwarding.NewDispatcher(repo, forwarder, pool, logger.Logger, forwardOpts...),
	)

	svc := service.NewService(repo, sched, logger.Logger)

	var dlqReader dlq.Reader
	if deadLetter != nil {
		dlqReader = deadLetter
	}
	router := server.NewRouter(handlers.NewHandler(svc, dlqReader, logger.Logger, handlerOpts...), logger.Logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})

	if subscriber != nil {
		natsHandler := dispatchnats.NewHandler(subscriber, sched, logger.Logger)
		if err := natsHandler.Start(ctx); err != nil {
			slog.Warn("Failed to subscribe to notifications, continuing with polling only", logging.Error(err))
		} else {
			defer natsHandler.Stop()
		}
	}

	if cfg.Redispatch.Enabled {
		job := scheduler.NewRedispatchJob(svc, cfg.Redispatch.Interval, cfg.Redispatch.Cooldown, logger.Logger)
		g.Go(func() error {
			return job.Run(ctx)
		})
	}

	g.Go(func() error {
		slog.Info("Dispatch service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Dispatch service stopped with error", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("Dispatch service stopped")
}
