package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when every allowed attempt failed with a
// retryable error.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Result reports what a Retry call did, independent of its outcome.
type Result[T any] struct {
	// Value is the successful value, zero on failure.
	Value T
	// Attempts is how many times fn ran (1-indexed).
	Attempts int
	// LastErr is the error from the final attempt, nil on success.
	LastErr error
}

// Retry runs fn until it succeeds, the error stops being retryable, the
// attempt budget is spent, or ctx is done. retryable decides whether an
// error is worth another attempt; a nil predicate retries everything.
// Sleeps between attempts follow the policy.
func Retry[T any](
	ctx context.Context,
	p Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var res Result[T]
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return res, err
		}

		value, err := fn(attempt)
		if err == nil {
			res.Value = value
			res.LastErr = nil
			return res, nil
		}
		res.LastErr = err

		if retryable != nil && !retryable(err) {
			return res, err
		}
		if attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, Delay(p, attempt)); err != nil {
			return res, err
		}
	}

	return res, ErrAttemptsExhausted
}

// Sleep waits for d, returning early with ctx.Err() when the context ends
// first. A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
