package handlers

import (
	"context"
	"time"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/repo"
	"github.com/tbourn/go-pricing-history/internal/services"
)

// Trigger schedules manual snapshots. *services.TriggerService implements it.
type Trigger interface {
	// Trigger returns the accepted submission and whether it was replayed
	// from an earlier request with the same idempotency key.
	Trigger(ctx context.Context, key, snapshotID string, currencies []string) (services.Submission, bool, error)
}

// Queries is the read side. *services.QueryService implements it.
type Queries interface {
	ListRuns(ctx context.Context, f repo.RunFilter, page, pageSize int) ([]domain.SnapshotRun, int64, error)
	RunsStats(ctx context.Context, f repo.RunFilter) (int64, *time.Time, error)
	SnapshotRuns(ctx context.Context, snapshotID string) ([]domain.SnapshotRun, error)
	SnapshotPrices(ctx context.Context, snapshotID, currency string, page, pageSize int) ([]domain.PriceRecord, int64, error)
	CurrentPrice(ctx context.Context, meterID, currency string, asOf time.Time) (*domain.PriceRecord, error)
}

// Pinger reports store reachability for /health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers groups the API endpoints.
type Handlers struct {
	trigger Trigger
	queries Queries
	db      Pinger
	now     func() time.Time
}

// New returns handlers bound to the given services. db may be nil, in which
// case /health reports only liveness.
func New(trigger Trigger, queries Queries, db Pinger) *Handlers {
	return &Handlers{
		trigger: trigger,
		queries: queries,
		db:      db,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}
