// Package services – RunTracker
//
// RunTracker owns the SnapshotRun lifecycle: start (or restart) a run,
// finalize it exactly once, and reclaim runs that were left RUNNING by a
// process that died. It is the only writer of run status.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/observability"
	"github.com/tbourn/go-pricing-history/internal/repo"
)

// DefaultStaleThreshold is the age after which a RUNNING run is presumed
// abandoned.
const DefaultStaleThreshold = 2 * time.Hour

// Attempt identifies one RUNNING phase of a snapshot run. Finalize only
// applies to the attempt that is still current.
type Attempt struct {
	SnapshotID string
	Currency   string
	AttemptID  string
	StartedUTC time.Time
}

// RunTracker manages snapshot run rows.
type RunTracker struct {
	DB     *gorm.DB
	Now    func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

// NewRunTracker returns a tracker using the wall clock and random UUIDs.
func NewRunTracker(db *gorm.DB) *RunTracker {
	return &RunTracker{DB: db, Now: utcNow, NewID: uuid.NewString, Logger: log.Logger}
}

// utcNow is the default clock. Stored timestamps keep microsecond precision
// so they compare equal across both drivers.
func utcNow() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func (t *RunTracker) now() time.Time {
	if t.Now == nil {
		return utcNow()
	}
	return t.Now().UTC()
}

// ReclaimStale moves every RUNNING run of currency started more than
// threshold ago to FAILED, and returns how many were reclaimed.
func (t *RunTracker) ReclaimStale(ctx context.Context, currency string, threshold time.Duration) (int, error) {
	ctx, span := otel.Tracer("services/RunTracker").Start(ctx, "ReclaimStale",
		trace.WithAttributes(attribute.String("currency", currency)))
	defer span.End()

	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	now := t.now()
	stale, err := repo.ReclaimStaleRuns(ctx, t.DB, currency, now.Add(-threshold), now)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for _, r := range stale {
		observability.RunsReclaimed.WithLabelValues(r.CurrencyCode).Inc()
		t.Logger.Warn().
			Str("snapshot_id", r.SnapshotID).
			Str("currency", r.CurrencyCode).
			Str("attempt_id", r.AttemptID).
			Time("started_utc", r.StartedUTC).
			Msg("reclaimed stale run")
	}
	return len(stale), nil
}

// Start opens a RUNNING phase for (snapshotID, currency) with a fresh attempt
// id. A terminal run with the same key is reset in place; a run that is still
// RUNNING yields ErrRunInProgress.
func (t *RunTracker) Start(ctx context.Context, snapshotID, currency string) (Attempt, error) {
	newID := t.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	a := Attempt{
		SnapshotID: snapshotID,
		Currency:   currency,
		AttemptID:  newID(),
		StartedUTC: t.now(),
	}
	err := repo.StartRun(ctx, t.DB, &domain.SnapshotRun{
		SnapshotID:   a.SnapshotID,
		CurrencyCode: a.Currency,
		AttemptID:    a.AttemptID,
		Status:       domain.RunStatusRunning,
		StartedUTC:   a.StartedUTC,
	})
	if errors.Is(err, repo.ErrRunActive) {
		return Attempt{}, ErrRunInProgress
	}
	if err != nil {
		return Attempt{}, err
	}
	t.Logger.Info().
		Str("snapshot_id", snapshotID).
		Str("currency", currency).
		Str("attempt_id", a.AttemptID).
		Msg("run started")
	return a, nil
}

// Finalize moves the attempt to outcome, which must be terminal, recording
// itemCount and the failure cause (nil on success). Finalizing an attempt that
// is no longer RUNNING returns a *LifecycleError and changes nothing.
func (t *RunTracker) Finalize(ctx context.Context, a Attempt, outcome domain.RunStatus, itemCount int, cause error) error {
	if !outcome.Terminal() {
		return &LifecycleError{SnapshotID: a.SnapshotID, Currency: a.Currency, To: outcome,
			Err: errors.New("target status is not terminal")}
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := t.now()
	err := repo.FinalizeRun(ctx, t.DB, a.SnapshotID, a.Currency, a.AttemptID, outcome, itemCount, msg, now)
	if errors.Is(err, repo.ErrNoActiveRun) {
		return &LifecycleError{SnapshotID: a.SnapshotID, Currency: a.Currency, To: outcome, Err: err}
	}
	if err != nil {
		return err
	}

	observability.RunsFinalized.WithLabelValues(a.Currency, string(outcome)).Inc()
	if !a.StartedUTC.IsZero() {
		observability.RunDuration.WithLabelValues(a.Currency).Observe(now.Sub(a.StartedUTC).Seconds())
	}
	ev := t.Logger.Info()
	if outcome == domain.RunStatusFailed {
		ev = t.Logger.Error().AnErr("cause", cause)
	}
	ev.Str("snapshot_id", a.SnapshotID).
		Str("currency", a.Currency).
		Str("status", string(outcome)).
		Int("item_count", itemCount).
		Msg("run finalized")
	return nil
}
