package catalog

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed page fetch.
type ErrorKind int

const (
	// RateLimited means the upstream asked us to slow down (HTTP 429).
	RateLimited ErrorKind = iota + 1
	// Transient covers network failures, timeouts and 5xx responses.
	Transient
	// Permanent is fatal to the enclosing run and is never retried.
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrStreamConsumed is yielded when a catalog stream is ranged a second time.
var ErrStreamConsumed = errors.New("catalog stream already consumed")

// FetchError describes a failed catalog page request.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int // 0 when no response was received
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("catalog fetch %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("catalog fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the same page request may be attempted again.
func (e *FetchError) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Transient
}

// IsRetryable reports whether err is a retryable *FetchError.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable()
}

// IsPermanent reports whether err is a permanent *FetchError.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Permanent
}
