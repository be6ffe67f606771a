// Package services – Orchestrator
//
// Orchestrator runs one snapshot: for each currency it reclaims stale runs,
// starts a fresh run, drains the catalog stream into fixed-size batches,
// upserts them, and finalizes the run. A failure aborts only the currency it
// happened in; the others carry on.
//
// Fetching and writing are pipelined per currency: the stream goroutine fills
// the next batch while the current one commits. Currencies run sequentially
// unless Concurrency > 1.
//
// Observability: each currency run is a span carrying snapshot id, currency,
// item count and outcome.
package services

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-pricing-history/internal/domain"
)

// DefaultBatchSize keeps one batch well under the bind-parameter limits of
// both drivers.
const DefaultBatchSize = 90

// EntryStreamer yields the full catalog of a currency. *catalog.Client
// implements it.
type EntryStreamer interface {
	Stream(ctx context.Context, currency string) iter.Seq2[domain.CatalogEntry, error]
}

// Result is the outcome of one currency within a snapshot.
type Result struct {
	Currency  string           `json:"currency"`
	ItemCount int              `json:"item_count"`
	Duration  time.Duration    `json:"duration"`
	Status    domain.RunStatus `json:"status"`
	Err       error            `json:"-"`
}

// Report collects the per-currency results of Orchestrator.Run, in the order
// the currencies were requested.
type Report struct {
	SnapshotID string
	Results    []Result
}

// Failed returns the results that did not succeed.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins the errors of every failed currency, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}

// Orchestrator coordinates one snapshot across currencies.
type Orchestrator struct {
	Catalog EntryStreamer
	Tracker *RunTracker
	Store   *UpsertStore

	BatchSize      int
	StaleThreshold time.Duration
	Concurrency    int

	Logger zerolog.Logger
}

// NewOrchestrator wires an orchestrator with default batch size, stale
// threshold and sequential currencies.
func NewOrchestrator(c EntryStreamer, t *RunTracker, s *UpsertStore) *Orchestrator {
	return &Orchestrator{
		Catalog:        c,
		Tracker:        t,
		Store:          s,
		BatchSize:      DefaultBatchSize,
		StaleThreshold: DefaultStaleThreshold,
		Concurrency:    1,
		Logger:         log.Logger,
	}
}

// Run ingests the catalog of every currency under snapshotID and reports the
// outcome per currency. It never aborts one currency because another failed.
func (o *Orchestrator) Run(ctx context.Context, snapshotID string, currencies []string) Report {
	rep := Report{SnapshotID: snapshotID, Results: make([]Result, len(currencies))}

	if o.Concurrency <= 1 {
		for i, cur := range currencies {
			rep.Results[i] = o.runCurrency(ctx, snapshotID, cur)
		}
		return rep
	}

	// Distinct currencies never share a run row, so they can proceed in
	// parallel. Results are written to their own slots.
	var g errgroup.Group
	g.SetLimit(o.Concurrency)
	for i, cur := range currencies {
		g.Go(func() error {
			rep.Results[i] = o.runCurrency(ctx, snapshotID, cur)
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// runCurrency performs reclaim, start, drain and finalize for one currency.
func (o *Orchestrator) runCurrency(ctx context.Context, snapshotID, currency string) (res Result) {
	ctx, span := otel.Tracer("services/Orchestrator").Start(ctx, "runCurrency",
		trace.WithAttributes(
			attribute.String("snapshot.id", snapshotID),
			attribute.String("currency", currency),
		),
	)
	defer span.End()

	start := time.Now()
	res = Result{Currency: currency, Status: domain.RunStatusFailed}
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("item_count", res.ItemCount),
			attribute.String("status", string(res.Status)),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "currency run failed")
		}
	}()
	logger := o.Logger.With().Str("snapshot_id", snapshotID).Str("currency", currency).Logger()

	if _, err := o.Tracker.ReclaimStale(ctx, currency, o.StaleThreshold); err != nil {
		res.Err = err
		logger.Error().Err(err).Msg("stale run reclaim failed")
		return res
	}

	attempt, err := o.Tracker.Start(ctx, snapshotID, currency)
	if err != nil {
		res.Err = err
		logger.Error().Err(err).Msg("run not started")
		return res
	}

	count, runErr := o.drain(ctx, attempt)
	res.ItemCount = count

	outcome := domain.RunStatusSucceeded
	if runErr != nil {
		outcome = domain.RunStatusFailed
	}
	// The run row must be closed even when the caller's context is gone.
	finErr := o.Tracker.Finalize(context.WithoutCancel(ctx), attempt, outcome, count, runErr)

	res.Err = errors.Join(runErr, finErr)
	if res.Err == nil {
		res.Status = domain.RunStatusSucceeded
	}
	return res
}

// drain streams the currency's catalog into batches and upserts them in
// order. It returns the number of unique keys committed, including the
// batches committed before a failure.
func (o *Orchestrator) drain(ctx context.Context, a Attempt) (int, error) {
	size := o.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	batches := make(chan []domain.CatalogEntry, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		send := func(b []domain.CatalogEntry) error {
			select {
			case batches <- b:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		batch := make([]domain.CatalogEntry, 0, size)
		for e, err := range o.Catalog.Stream(gctx, a.Currency) {
			if err != nil {
				return err
			}
			batch = append(batch, e)
			if len(batch) == size {
				if err := send(batch); err != nil {
					return err
				}
				batch = make([]domain.CatalogEntry, 0, size)
			}
		}
		if len(batch) > 0 {
			return send(batch)
		}
		return nil
	})

	count := 0
	g.Go(func() error {
		// Batches already handed over are committed even when the stream
		// fails afterwards; they stay part of the partial count.
		for b := range batches {
			n, err := o.Store.UpsertBatch(ctx, a.SnapshotID, a.Currency, b)
			if err != nil {
				return err
			}
			count += n
		}
		return nil
	})

	err := g.Wait()
	return count, err
}
