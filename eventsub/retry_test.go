package eventsub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryWithBackoffSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), 3, time.Hour, func(error) bool { return true }, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryWithBackoffNonRetryableFailsFast(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	start := time.Now()
	err := retryWithBackoff(context.Background(), 5, time.Second, func(error) bool { return false }, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("non-retryable error should not back off")
	}
}

func TestRetryWithBackoffDoublesDelay(t *testing.T) {
	base := 20 * time.Millisecond
	calls := 0
	start := time.Now()
	err := retryWithBackoff(context.Background(), 3, base, func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// two pauses: base, then 2*base
	if elapsed := time.Since(start); elapsed < 3*base {
		t.Fatalf("elapsed = %s, want at least %s", elapsed, 3*base)
	}
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	boom := errors.New("still broken")
	calls := 0
	err := retryWithBackoff(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryWithBackoffContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryWithBackoff(ctx, 3, time.Hour, func(error) bool { return true }, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
