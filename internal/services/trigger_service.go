// Package services – TriggerService
//
// TriggerService is the manual snapshot trigger behind POST /snapshots. It
// fills in the current month and the configured currencies when the caller
// omits them, hands the snapshot to a Submitter, and remembers the accepted
// submission under the client's Idempotency-Key so a retried request replays
// it instead of scheduling the snapshot again.
package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/repo"
)

// DefaultIdempotencyTTL bounds how long a trigger key is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// Submitter schedules a snapshot. *Executor implements it.
type Submitter interface {
	Submit(snapshotID string, currencies []string) (Submission, error)
}

// TriggerService accepts manual snapshot requests.
type TriggerService struct {
	DB                *gorm.DB
	Exec              Submitter
	DefaultCurrencies []string
	TTL               time.Duration
	Now               func() time.Time
	Logger            zerolog.Logger
}

// NewTriggerService wires a trigger with the default TTL and clock.
func NewTriggerService(db *gorm.DB, exec Submitter, currencies []string) *TriggerService {
	return &TriggerService{
		DB:                db,
		Exec:              exec,
		DefaultCurrencies: currencies,
		TTL:               DefaultIdempotencyTTL,
		Now:               func() time.Time { return time.Now().UTC() },
		Logger:            log.Logger,
	}
}

// Trigger schedules (snapshotID, currencies) and reports whether the result
// was replayed from an earlier request with the same key. An empty key
// disables replay.
func (s *TriggerService) Trigger(ctx context.Context, key, snapshotID string, currencies []string) (Submission, bool, error) {
	now := s.Now()

	if key != "" {
		if sub, ok, err := s.lookup(ctx, key, now); err != nil || ok {
			return sub, ok, err
		}
	}

	if strings.TrimSpace(snapshotID) == "" {
		snapshotID = domain.SnapshotIDFor(now)
	}
	if len(currencies) == 0 {
		currencies = s.DefaultCurrencies
	}
	sub, err := s.Exec.Submit(snapshotID, currencies)
	if err != nil {
		return Submission{}, false, err
	}
	if key == "" {
		return sub, false, nil
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	_, err = repo.CreateIdempotency(ctx, s.DB, key, sub.SnapshotID, strings.Join(sub.Currencies, ","), http.StatusAccepted, ttl, now)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		// A concurrent request with the same key committed first. This
		// request was still submitted, so it is not a replay.
		s.Logger.Debug().Str("snapshot_id", sub.SnapshotID).Msg("idempotency key stored by a concurrent request")
	case err != nil:
		s.Logger.Warn().Err(err).Str("snapshot_id", sub.SnapshotID).Msg("idempotency record not stored")
	}
	return sub, false, nil
}

func (s *TriggerService) lookup(ctx context.Context, key string, now time.Time) (Submission, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, err
	}
	return Submission{SnapshotID: rec.SnapshotID, Currencies: strings.Split(rec.Currencies, ",")}, true, nil
}

// Exists reports whether key holds an unexpired trigger record. It backs the
// idempotency middleware.
func (s *TriggerService) Exists(ctx context.Context, key string, now time.Time) (bool, error) {
	_, ok, err := s.lookup(ctx, key, now)
	return ok, err
}
