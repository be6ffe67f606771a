// Package services defines the ingestion pipeline: run lifecycle tracking,
// historicized batch writes and the per-currency snapshot orchestration.
// This file centralizes the service-level error values and the write/lifecycle
// error taxonomy so callers can classify failures with errors.Is/As.
//
// Translation into HTTP statuses or process exit codes is done by the
// handler and command layers.
package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/retry"
)

var (
	// ErrRunInProgress is returned by Start when the (snapshot, currency) run
	// is RUNNING and not yet stale.
	ErrRunInProgress = errors.New("snapshot run already in progress")

	// ErrNoCurrencies is returned when a snapshot is requested without any
	// currency.
	ErrNoCurrencies = errors.New("at least one currency is required")

	// ErrSnapshotNotFound indicates that no run exists for the snapshot id.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrPriceNotFound indicates that no version of the meter was in effect
	// at the requested instant.
	ErrPriceNotFound = errors.New("price not found")
)

// WriteKind classifies a store failure.
type WriteKind int

const (
	// Retryable failures (lock contention, serialization conflicts, dropped
	// connections) are retried at the batch level.
	Retryable WriteKind = iota + 1
	// Fatal failures abort the current currency's run.
	Fatal
)

func (k WriteKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// WriteError is returned by UpsertStore when a batch could not be committed.
type WriteError struct {
	Kind WriteKind
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s write error: %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsFatalWrite reports whether err carries a Fatal WriteError.
func IsFatalWrite(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Kind == Fatal
}

// LifecycleError reports a run state transition that is not allowed, such as
// finalizing a run that is already terminal. It is a programming error.
type LifecycleError struct {
	SnapshotID string
	Currency   string
	To         domain.RunStatus
	Err        error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("invalid transition of run %s/%s to %s: %v", e.SnapshotID, e.Currency, e.To, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// classifyWrite wraps a store error into a WriteError of the right kind.
func classifyWrite(err error) *WriteError {
	var we *WriteError
	if errors.As(err, &we) {
		return we
	}
	if isRetryableWrite(err) {
		return &WriteError{Kind: Retryable, Err: err}
	}
	return &WriteError{Kind: Fatal, Err: err}
}

// isRetryableWrite recognizes transient contention and connection failures
// of both supported drivers.
func isRetryableWrite(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	// glebarez/sqlite reports SQLITE_BUSY and SQLITE_LOCKED as plain text.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") ||
		strings.Contains(low, "database table is locked") ||
		strings.Contains(low, "sqlite_busy") ||
		strings.Contains(low, "sqlite_locked")
}

// retryExhausted reports whether a retry loop gave up on err.
func retryExhausted(err error) bool { return errors.Is(err, retry.ErrExhausted) }
