// Package database opens the Message Store for a service.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/telhawk-systems/relay/common/config"
	"github.com/telhawk-systems/relay/common/repository"
)

// Migrate applies every pending migration from source (e.g. file://migrations).
func Migrate(source, databaseURL string) error {
	m, err := migrate.New(source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Open returns the Postgres store when cfg.URL is set and the in-memory
// store otherwise.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (repository.Repository, error) {
	if cfg.URL == "" {
		logger.Warn("database.url not set, using in-memory message store; records will not survive a restart")
		return repository.NewMemoryRepository(), nil
	}

	if cfg.RunMigrations {
		logger.Info("running database migrations", slog.String("source", cfg.MigrationsPath))
		if err := Migrate(cfg.MigrationsPath, cfg.URL); err != nil {
			return nil, err
		}
		logger.Info("database migrations completed")
	}

	bulkCtx, cancel := BulkContext(ctx)
	defer cancel()
	repo, err := repository.NewPostgresRepository(bulkCtx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}
