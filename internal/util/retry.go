package util

import (
	"context"
	"errors"
	"time"
)

// Min returns the smaller of two ints.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RetryWithContext calls fn up to maxTries times until it returns a result
// and nil error, or until ctx is done. If maxTries <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// Backoff returns the wait before retry attempt (0-based): base doubled per
// attempt, capped at 30 seconds.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << attempt
	if max := 30 * time.Second; d > max || d <= 0 {
		d = 30 * time.Second
	}
	return d
}

// RetryBackoffWithContext calls fn up to maxTries times until it returns nil
// error, sleeping an exponentially growing interval between attempts.
// retryable decides whether an error is worth another attempt; a nil
// retryable retries everything.
func RetryBackoffWithContext(
	ctx context.Context,
	maxTries int,
	base time.Duration,
	retryable func(error) bool,
	fn func(context.Context) error,
) error {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}
		if i < maxTries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(i, base)):
			}
		}
	}
	return lastErr
}
