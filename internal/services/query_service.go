// Package services – QueryService
//
// QueryService serves the read side of the HTTP API: paginated run listings,
// the runs of one snapshot, and the prices a run observed. It applies
// pagination defaults and maps missing snapshots to ErrSnapshotNotFound.
// CurrentPrice answers "what did this meter cost at time T" from the
// historicized table.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/repo"
)

const defaultPageSize = 20

// QueryService exposes read-only views over runs and prices.
type QueryService struct {
	DB *gorm.DB
}

func pageBounds(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return (page - 1) * pageSize, pageSize
}

// ListRuns returns a page of runs matching f, newest first, plus the total.
func (s *QueryService) ListRuns(ctx context.Context, f repo.RunFilter, page, pageSize int) ([]domain.SnapshotRun, int64, error) {
	ctx, span := otel.Tracer("services/QueryService").Start(ctx, "ListRuns",
		trace.WithAttributes(
			attribute.String("currency", f.Currency),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountRuns(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.SnapshotRun{}, 0, nil
	}
	items, err := repo.ListRunsPage(ctx, s.DB, f, offset, limit)
	return items, total, err
}

// RunsStats returns the count and latest lifecycle timestamp of runs matching
// f, for conditional responses.
func (s *QueryService) RunsStats(ctx context.Context, f repo.RunFilter) (int64, *time.Time, error) {
	return repo.RunsStats(ctx, s.DB, f)
}

// SnapshotRuns returns every run of snapshotID, or ErrSnapshotNotFound.
func (s *QueryService) SnapshotRuns(ctx context.Context, snapshotID string) ([]domain.SnapshotRun, error) {
	if err := domain.ValidateSnapshotID(snapshotID); err != nil {
		return nil, err
	}
	runs, err := repo.ListRuns(ctx, s.DB, snapshotID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrSnapshotNotFound
	}
	return runs, nil
}

// SnapshotPrices returns a page of the price records observed by the run
// (snapshotID, currency), plus the total.
func (s *QueryService) SnapshotPrices(ctx context.Context, snapshotID, currency string, page, pageSize int) ([]domain.PriceRecord, int64, error) {
	ctx, span := otel.Tracer("services/QueryService").Start(ctx, "SnapshotPrices",
		trace.WithAttributes(
			attribute.String("snapshot.id", snapshotID),
			attribute.String("currency", currency),
		),
	)
	defer span.End()

	if err := domain.ValidateSnapshotID(snapshotID); err != nil {
		return nil, 0, err
	}
	if _, err := repo.GetRun(ctx, s.DB, snapshotID, currency); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrSnapshotNotFound
		}
		return nil, 0, err
	}

	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountSnapshotPrices(ctx, s.DB, snapshotID, currency)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.PriceRecord{}, 0, nil
	}
	items, err := repo.ListSnapshotPrices(ctx, s.DB, snapshotID, currency, offset, limit)
	return items, total, err
}

// CurrentPrice returns the version of meterID in effect at asOf in currency.
func (s *QueryService) CurrentPrice(ctx context.Context, meterID, currency string, asOf time.Time) (*domain.PriceRecord, error) {
	curs, err := domain.NormalizeCurrencies([]string{currency})
	if err != nil {
		return nil, err
	}
	if len(curs) == 0 {
		return nil, ErrNoCurrencies
	}
	rec, err := repo.CurrentPrice(ctx, s.DB, meterID, curs[0], asOf)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrPriceNotFound
	}
	return rec, err
}
