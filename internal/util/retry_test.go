package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryWithContext_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	result, err := RetryWithContext(context.Background(), 3, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("RetryWithContext() error = %v", err)
	}
	if result != 42 || calls != 3 {
		t.Errorf("result = %d after %d calls, want 42 after 3", result, calls)
	}
}

func TestRetryWithContext_ReturnsLastError(t *testing.T) {
	wantErr := errors.New("always failing")
	calls := 0
	_, err := RetryWithContext(context.Background(), 2, func(ctx context.Context) (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryWithContext_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := RetryWithContext(ctx, 5, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("should not retry")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 on pre-canceled context", calls)
	}
}

func TestRetryBackoffWithContext_RespectsRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := RetryBackoffWithContext(context.Background(), 5, time.Millisecond,
		func(err error) bool { return false },
		func(ctx context.Context) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for a non-retryable error", calls)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	if Backoff(0, base) != base {
		t.Errorf("attempt 0 = %v, want %v", Backoff(0, base), base)
	}
	if Backoff(1, base) != 2*base {
		t.Errorf("attempt 1 = %v, want %v", Backoff(1, base), 2*base)
	}
	if Backoff(20, base) != 30*time.Second {
		t.Errorf("attempt 20 = %v, want capped at 30s", Backoff(20, base))
	}
}
