// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-pricing-history/internal/domain"
)

// RunsStats returns aggregate metadata for the runs matching f: the number of
// rows and the latest lifecycle timestamp among them (the greater of the
// newest started_utc and the newest finished_utc).
//
// When no run matches, the returned count is 0 and latest is nil.
func RunsStats(ctx context.Context, db *gorm.DB, f RunFilter) (count int64, latest *time.Time, err error) {
	base := func() *gorm.DB {
		return f.apply(db.WithContext(ctx).Model(&domain.SnapshotRun{}))
	}

	if err = base().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Ordered scans instead of MAX(), which comes back as TEXT in SQLite.
	var started struct{ StartedUTC time.Time }
	if err = base().Select("started_utc").Order("started_utc DESC").Limit(1).Scan(&started).Error; err != nil {
		return 0, nil, err
	}
	out := started.StartedUTC

	var finished struct{ FinishedUTC *time.Time }
	if err = base().Select("finished_utc").Where("finished_utc IS NOT NULL").
		Order("finished_utc DESC").Limit(1).Scan(&finished).Error; err != nil {
		return 0, nil, err
	}
	if finished.FinishedUTC != nil && finished.FinishedUTC.After(out) {
		out = *finished.FinishedUTC
	}
	return count, &out, nil
}
