package eventsub

import (
	"context"
	"time"
)

// retryWithBackoff runs fn up to maxAttempts times, doubling the pause
// between attempts starting from base. Errors for which isRetryable returns
// false fail immediately; the final error is returned as-is.
func retryWithBackoff(ctx context.Context, maxAttempts int, base time.Duration, isRetryable func(error) bool, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := base
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !isRetryable(err) {
			return err
		}
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
}

// sleepCtx pauses for d; returns false when the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
