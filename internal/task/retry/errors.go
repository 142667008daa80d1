package retry

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicate = errors.New("retry: loop already active for id")
	ErrExhausted = errors.New("retry: attempts exhausted")
	ErrCancelled = errors.New("retry: cancelled")
	ErrStopped   = errors.New("retry: scheduler stopped")
	ErrFailed    = errors.New("retry: action failed")
	ErrNoID      = errors.New("retry: empty id")
)

// NoRetry marks an error as fatal for the loop.
//
// An action returning (Continue, NoRetry(err)) ends the loop exactly like
// (Fail, err). Useful for helpers that only return errors:
//
//	return retry.Continue, retry.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter overrides the wait before the next attempt, e.g. when a node
// answered 429 with a Retry-After header.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
