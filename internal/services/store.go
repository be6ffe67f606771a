// Package services – UpsertStore
//
// UpsertStore writes one batch of catalog entries as a single transaction:
// the price records are upserted by key and every key is linked to the
// snapshot run. A batch that fails with a retryable store error is retried
// whole with the shared backoff policy before it is escalated to Fatal.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/observability"
	"github.com/tbourn/go-pricing-history/internal/repo"
	"github.com/tbourn/go-pricing-history/internal/retry"
)

// UpsertStore is the only writer of price attributes and run memberships.
type UpsertStore struct {
	DB     *gorm.DB
	Now    func() time.Time
	Retry  retry.Policy
	Logger zerolog.Logger
}

// NewUpsertStore returns a store with the default retry policy.
func NewUpsertStore(db *gorm.DB) *UpsertStore {
	return &UpsertStore{DB: db, Now: utcNow, Retry: retry.Default(), Logger: log.Logger}
}

// UpsertBatch maps entries to price records of currency, drops repeated keys
// (the first occurrence in the batch is kept), and commits the records and
// their memberships in snapshotID atomically. It returns the number of unique
// keys written.
//
// Entries with an incomplete key are skipped and logged. Calling UpsertBatch
// again with the same entries and snapshotID leaves the store unchanged apart
// from last_seen_utc.
func (s *UpsertStore) UpsertBatch(ctx context.Context, snapshotID, currency string, entries []domain.CatalogEntry) (int, error) {
	ctx, span := otel.Tracer("services/UpsertStore").Start(ctx, "UpsertBatch",
		trace.WithAttributes(
			attribute.String("snapshot.id", snapshotID),
			attribute.String("currency", currency),
			attribute.Int("batch.size", len(entries)),
		),
	)
	defer span.End()

	now := utcNow()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	recs, keys := s.dedupe(currency, entries, now)
	if len(recs) == 0 {
		return 0, nil
	}

	policy := s.Retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		observability.BatchRetries.Inc()
		s.Logger.Warn().Err(err).
			Str("snapshot_id", snapshotID).
			Str("currency", currency).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("batch write retry")
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	err := retry.Do(ctx, policy, func(err error) bool {
		return classifyWrite(err).Kind == Retryable
	}, func(int) error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := repo.UpsertPrices(ctx, tx, recs); err != nil {
				return err
			}
			return repo.InsertMemberships(ctx, tx, snapshotID, keys)
		})
	})
	if err != nil {
		we := classifyWrite(err)
		if retryExhausted(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			we = &WriteError{Kind: Fatal, Err: err}
		}
		span.RecordError(we)
		span.SetStatus(codes.Error, "batch write failed")
		return 0, we
	}

	observability.PricesUpserted.WithLabelValues(currency).Add(float64(len(recs)))
	return len(recs), nil
}

// dedupe maps entries to records keeping the first occurrence of each key.
func (s *UpsertStore) dedupe(currency string, entries []domain.CatalogEntry, seen time.Time) ([]domain.PriceRecord, []domain.PriceKey) {
	recs := make([]domain.PriceRecord, 0, len(entries))
	keys := make([]domain.PriceKey, 0, len(entries))
	idx := make(map[domain.PriceKey]struct{}, len(entries))
	for i, e := range entries {
		rec, err := e.Record(currency, seen)
		if err != nil {
			s.Logger.Warn().Err(err).Str("currency", currency).Int("index", i).Str("meter_id", e.MeterID).Msg("skipping catalog entry")
			continue
		}
		k := rec.Key()
		if _, dup := idx[k]; dup {
			continue
		}
		idx[k] = struct{}{}
		recs = append(recs, rec)
		keys = append(keys, k)
	}
	return recs, keys
}
