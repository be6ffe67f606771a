// Package retry implements the bounded exponential backoff shared by the
// catalog page client and the batch writer: up to MaxAttempts tries of the
// same operation, sleeping Base * 2^attempt between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults used by both the catalog client and the upsert store.
const (
	DefaultMaxAttempts = 5
	DefaultBase        = time.Second
	MaxDelay           = 10 * time.Minute
)

// ErrExhausted wraps the last error when every attempt failed with a
// retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	Base        time.Duration // delay before attempt n+1 is Base * 2^n
	Sleep       Sleeper       // nil means Sleep

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the 5 attempt, 1s base policy.
func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Base: DefaultBase}
}

// Delay returns the backoff after the given zero-based attempt, capped at
// MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 63 || base > MaxDelay>>uint(attempt) {
		return MaxDelay
	}
	return base << uint(attempt)
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. retryable classifies errors returned by fn.
//
// On exhaustion the returned error wraps both ErrExhausted and the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 0; attempt < max; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt == max-1 {
			break
		}

		d := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, d, err)
		}
		if serr := sleep(ctx, d); serr != nil {
			return errors.Join(serr, lastErr)
		}
	}
	return &exhaustedError{attempts: max, last: lastErr}
}

type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.attempts, e.last)
}

func (e *exhaustedError) Unwrap() []error { return []error{ErrExhausted, e.last} }
