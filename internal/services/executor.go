// Package services – Executor
//
// Executor backs the manual snapshot trigger. Submit validates the request,
// hands the snapshot to a background goroutine and returns immediately; the
// caller learns the outcome from the durable run rows, not from the executor.
// Identical submissions that overlap in time share a single execution.
package services

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-pricing-history/internal/domain"
)

// Runner runs a snapshot. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, snapshotID string, currencies []string) Report
}

// Submission is an accepted manual trigger.
type Submission struct {
	SnapshotID string   `json:"snapshot_id"`
	Currencies []string `json:"currencies"`
}

// Executor runs submitted snapshots in the background.
type Executor struct {
	runner Runner
	base   context.Context
	logger zerolog.Logger

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewExecutor returns an executor whose background runs inherit base (values
// and cancellation). Cancel base to stop in-flight snapshots on shutdown.
func NewExecutor(base context.Context, r Runner) *Executor {
	return &Executor{runner: r, base: base, logger: log.Logger}
}

// Submit validates snapshotID and currencies and schedules the snapshot. It
// does not wait for the snapshot to run.
func (e *Executor) Submit(snapshotID string, currencies []string) (Submission, error) {
	if err := domain.ValidateSnapshotID(snapshotID); err != nil {
		return Submission{}, err
	}
	curs, err := domain.NormalizeCurrencies(currencies)
	if err != nil {
		return Submission{}, err
	}
	if len(curs) == 0 {
		return Submission{}, ErrNoCurrencies
	}

	sub := Submission{SnapshotID: snapshotID, Currencies: curs}
	key := snapshotID + ":" + strings.Join(curs, ",")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _, shared := e.group.Do(key, func() (any, error) {
			rep := e.runner.Run(e.base, sub.SnapshotID, sub.Currencies)
			e.logReport(rep)
			return rep, nil
		})
		if shared {
			e.logger.Debug().Str("snapshot_id", snapshotID).Msg("joined in-flight snapshot")
		}
	}()

	e.logger.Info().Str("snapshot_id", snapshotID).Strs("currencies", curs).Msg("snapshot submitted")
	return sub, nil
}

// Wait blocks until every submitted snapshot has returned.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) logReport(rep Report) {
	for _, r := range rep.Results {
		ev := e.logger.Info()
		if r.Err != nil {
			ev = e.logger.Error().Err(r.Err)
		}
		ev.Str("snapshot_id", rep.SnapshotID).
			Str("currency", r.Currency).
			Str("status", string(r.Status)).
			Int("item_count", r.ItemCount).
			Dur("duration", r.Duration).
			Msg("snapshot currency finished")
	}
}
