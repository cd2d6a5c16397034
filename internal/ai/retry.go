package ai

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Retry pacing. Vars so tests can shrink the delays.
var (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// withRetry runs fn up to maxAttempts times, backing off exponentially with
// jitter between attempts. Non-transient errors abort immediately.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}

	return fmt.Errorf("max retries %d exceeded: %w", maxAttempts, lastErr)
}

func retryBackoff(attempt int) time.Duration {
	backoff := float64(initialRetryDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(maxRetryDelay) {
		backoff = float64(maxRetryDelay)
	}

	jitter := backoff * 0.2 * (2*rand.Float64() - 1) // ±20%
	backoff += jitter

	return time.Duration(backoff)
}
