package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-pricing-history/internal/catalog"
	"github.com/tbourn/go-pricing-history/internal/config"
	"github.com/tbourn/go-pricing-history/internal/observability"
	"github.com/tbourn/go-pricing-history/internal/repo"
	"github.com/tbourn/go-pricing-history/internal/retry"
	"github.com/tbourn/go-pricing-history/internal/services"
	"github.com/tbourn/go-pricing-history/internal/sysutil"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg          config.Config
	db           *gorm.DB
	otelShutdown observability.Shutdown
}

// setup loads configuration, sets up logging and tracing, and opens and
// migrates the store.
func (a *app) setup(ctx context.Context, mode string) error {
	loadEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg

	sysutil.SetLogLevel(cfg.LogLevel)
	sysutil.SetupLogger(os.Stderr, cfg.LogPretty, mode)

	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, appVersion(), mode)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	a.otelShutdown = shutdown

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.Target())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.db = db

	log.Info().
		Str("version", appVersion()).
		Str("driver", cfg.DB.Driver).
		Strs("currencies", cfg.Snapshot.Currencies).
		Msg("initialized")
	return nil
}

// close flushes traces and releases the store. It is safe to call after a
// failed setup.
func (a *app) close() error {
	var errs []error
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		a.db = nil
	}
	a.otelShutdown = nil
	return errors.Join(errs...)
}

// orchestrator wires the catalog client, run tracker and upsert store.
func (a *app) orchestrator() *services.Orchestrator {
	policy := retry.Default()
	policy.MaxAttempts = a.cfg.Catalog.MaxAttempts

	client := catalog.NewClient(
		a.cfg.Catalog.BaseURL,
		a.cfg.Catalog.APIVersion,
		catalog.WithTimeout(a.cfg.Catalog.RequestTimeout),
		catalog.WithRetry(policy),
		catalog.WithRateLimit(a.cfg.Catalog.RPS),
		catalog.WithLogger(log.Logger),
	)

	o := services.NewOrchestrator(client, services.NewRunTracker(a.db), services.NewUpsertStore(a.db))
	o.BatchSize = a.cfg.Snapshot.BatchSize
	o.StaleThreshold = a.cfg.Snapshot.StaleThreshold
	o.Concurrency = a.cfg.Snapshot.Concurrency
	o.Logger = log.Logger
	return o
}
