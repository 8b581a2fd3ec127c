package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout covers connection-level failures and per-attempt deadline
	// expiry. Retryable.
	ErrTimeout = errors.New("upstream request timed out")
	// ErrRateLimited maps HTTP 429. Retryable.
	ErrRateLimited = errors.New("rate limited by upstream")
	// ErrServerError maps HTTP 5xx. Retryable.
	ErrServerError = errors.New("upstream server error")
	// ErrNotFound maps HTTP 404 on single-session operations. Not retryable.
	ErrNotFound = errors.New("session not found upstream")
)

// Error carries the classification of a failed upstream call so the caller
// can tell a flaky upstream from a request bug without string matching.
type Error struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("upstream: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a failure worth retrying
// within the same logical call.
func IsRetryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}
