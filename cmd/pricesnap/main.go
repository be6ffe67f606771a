// Command pricesnap ingests the public retail prices catalog into a
// historicized price table and serves the results over HTTP.
//
//	pricesnap run [--snapshot 202405] [--currencies USD,EUR]
//	pricesnap serve
//	pricesnap migrate
//
// Configuration comes from the environment (and an optional .env file).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-pricing-history/internal/domain"
	httpapi "github.com/tbourn/go-pricing-history/internal/http"
	"github.com/tbourn/go-pricing-history/internal/services"
	"github.com/tbourn/go-pricing-history/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	if cerr := a.close(); cerr != nil {
		log.Warn().Err(cerr).Msg("cleanup")
	}
	if err != nil {
		log.Error().Err(err).Msg("pricesnap failed")
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pricesnap",
		Short:         "Retail price history ingester",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context(), cmd.Name())
		},
	}
	root.AddCommand(newRunCmd(a), newServeCmd(a), newMigrateCmd(a))
	return root
}

func newRunCmd(a *app) *cobra.Command {
	var (
		snapshotID string
		currencies []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Take one snapshot and exit (non-zero when any currency fails)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runOnce(ctx, snapshotID, currencies)
		},
	}
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id (YYYYMM), default current UTC month")
	cmd.Flags().StringSliceVar(&currencies, "currencies", nil, "ISO 4217 codes, default CURRENCIES")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the snapshot API and accept manual triggers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Info().Str("driver", a.cfg.DB.Driver).Msg("schema up to date")
			return nil
		},
	}
}

// runOnce runs a snapshot in the foreground.
func (a *app) runOnce(ctx context.Context, snapshotID string, currencies []string) error {
	if snapshotID == "" {
		snapshotID = domain.SnapshotIDFor(time.Now())
	}
	if err := domain.ValidateSnapshotID(snapshotID); err != nil {
		return err
	}
	if len(currencies) == 0 {
		currencies = a.cfg.Snapshot.Currencies
	}
	curs, err := domain.NormalizeCurrencies(currencies)
	if err != nil {
		return err
	}
	if len(curs) == 0 {
		return services.ErrNoCurrencies
	}

	rep := a.orchestrator().Run(ctx, snapshotID, curs)
	for _, r := range rep.Results {
		ev := log.Info()
		if r.Err != nil {
			ev = log.Error().Err(r.Err)
		}
		ev.Str("snapshot_id", snapshotID).
			Str("currency", r.Currency).
			Str("status", string(r.Status)).
			Int("items", r.ItemCount).
			Dur("duration", r.Duration).
			Msg("currency finished")
	}
	if failed := rep.Failed(); len(failed) > 0 {
		return fmt.Errorf("snapshot %s: %d of %d currencies failed: %w", snapshotID, len(failed), len(curs), rep.Err())
	}
	return nil
}

// serve runs the HTTP API until ctx is canceled, then drains in-flight
// requests and background snapshots.
func (a *app) serve(ctx context.Context) error {
	gin.SetMode(a.cfg.GinMode)
	r := gin.New()

	// Background snapshots outlive their request but stop on shutdown.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	exec := services.NewExecutor(runCtx, a.orchestrator())
	httpapi.RegisterRoutes(r, a.db, exec, a.cfg)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           r,
		ReadTimeout:       a.cfg.ReadTimeout,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", a.cfg.APIBasePath).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	cancelRuns()
	exec.Wait()
	return serveErr
}

// loadEnv reads .env when present. A missing file is not an error.
func loadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
}

func appVersion() string {
	return strings.TrimSpace(sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version))
}

