// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for SnapshotRun.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Error semantics:
//   - When a run is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - A lifecycle transition that matches no RUNNING row returns
//     ErrNoActiveRun; StartRun on a key that is still RUNNING returns
//     ErrRunActive.
//   - On other DB errors the raw gorm error is propagated.
//
// Functions:
//
//   - StartRun(ctx, db, run) -> error
//     Inserts the run, or resets a terminal run with the same key to the
//     given RUNNING phase.
//
//   - FinalizeRun(ctx, db, snapshotID, currency, attemptID, status, count, msg, at) -> error
//     Moves the matching RUNNING attempt to a terminal state.
//
//   - ReclaimStaleRuns(ctx, db, currency, cutoff, at) -> []domain.SnapshotRun, error
//     Fails every RUNNING run of currency started before cutoff.
//
//   - GetRun / ListRuns / CountRuns / ListRunsPage
//     Read access for the HTTP layer.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-pricing-history/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrRunActive is returned by StartRun when the key is still RUNNING.
	ErrRunActive = errors.New("run already active")
	// ErrNoActiveRun is returned when a transition finds no RUNNING attempt.
	ErrNoActiveRun = errors.New("no active run")
)

// StaleReason is stored as the error of runs failed by ReclaimStaleRuns.
const StaleReason = "reclaimed: stale run"

// RunFilter narrows run listings. Zero fields match everything.
type RunFilter struct {
	SnapshotID string
	Currency   string
	Status     domain.RunStatus
}

func (f RunFilter) apply(q *gorm.DB) *gorm.DB {
	if f.SnapshotID != "" {
		q = q.Where("snapshot_id = ?", f.SnapshotID)
	}
	if f.Currency != "" {
		q = q.Where("currency_code = ?", f.Currency)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}

// StartRun inserts run (which must be RUNNING). When a row with the same
// (snapshot_id, currency_code) exists in a terminal state it is reset in place
// to run's attempt, clearing finished_utc, item_count and error. A row that is
// still RUNNING is left untouched and ErrRunActive is returned.
func StartRun(ctx context.Context, db *gorm.DB, run *domain.SnapshotRun) error {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "snapshot_id"}, {Name: "currency_code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"attempt_id", "status", "started_utc", "finished_utc", "item_count", "error",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Neq{
					Column: clause.Column{Table: run.TableName(), Name: "status"},
					Value:  string(domain.RunStatusRunning),
				},
			}},
		}).
		Create(run)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunActive
	}
	return nil
}

// FinalizeRun moves attempt attemptID of (snapshotID, currency) from RUNNING
// to status, recording the item count, the error message and the finish time.
// ErrNoActiveRun is returned when no such RUNNING attempt exists.
func FinalizeRun(ctx context.Context, db *gorm.DB, snapshotID, currency, attemptID string, status domain.RunStatus, count int, msg string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.SnapshotRun{}).
		Where("snapshot_id = ? AND currency_code = ? AND attempt_id = ? AND status = ?",
			snapshotID, currency, attemptID, domain.RunStatusRunning).
		Updates(map[string]any{
			"status":       status,
			"finished_utc": at.UTC(),
			"item_count":   count,
			"error":        msg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoActiveRun
	}
	return nil
}

// ReclaimStaleRuns fails every RUNNING run of currency whose started_utc is
// before cutoff and returns the runs it transitioned, as they were before the
// update. An empty currency matches all currencies.
func ReclaimStaleRuns(ctx context.Context, db *gorm.DB, currency string, cutoff, at time.Time) ([]domain.SnapshotRun, error) {
	var stale []domain.SnapshotRun
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := func() *gorm.DB {
			return RunFilter{Currency: currency}.apply(tx.Model(&domain.SnapshotRun{})).
				Where("status = ? AND started_utc < ?", domain.RunStatusRunning, cutoff.UTC())
		}
		if err := q().Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		return q().Updates(map[string]any{
			"status":       domain.RunStatusFailed,
			"finished_utc": at.UTC(),
			"error":        StaleReason,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// GetRun fetches a run by key, or ErrNotFound.
func GetRun(ctx context.Context, db *gorm.DB, snapshotID, currency string) (*domain.SnapshotRun, error) {
	var r domain.SnapshotRun
	if err := db.WithContext(ctx).
		Where("snapshot_id = ? AND currency_code = ?", snapshotID, currency).
		First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns every run of snapshotID ordered by currency.
func ListRuns(ctx context.Context, db *gorm.DB, snapshotID string) ([]domain.SnapshotRun, error) {
	var out []domain.SnapshotRun
	err := db.WithContext(ctx).
		Where("snapshot_id = ?", snapshotID).
		Order("currency_code ASC").
		Find(&out).Error
	return out, err
}

// CountRuns returns the number of runs matching f.
func CountRuns(ctx context.Context, db *gorm.DB, f RunFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.SnapshotRun{})).Count(&total).Error
	return total, err
}

// ListRunsPage returns a page of runs matching f, newest first.
func ListRunsPage(ctx context.Context, db *gorm.DB, f RunFilter, offset, limit int) ([]domain.SnapshotRun, error) {
	var out []domain.SnapshotRun
	err := f.apply(db.WithContext(ctx).Model(&domain.SnapshotRun{})).
		Order("started_utc DESC").
		Order("currency_code ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
