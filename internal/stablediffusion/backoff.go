package stablediffusion

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const backoffFactor = 1.5

// Backoff returns the delay before the given submission attempt, without jitter.
// Attempt 1 is sent immediately; attempt n >= 2 waits min(base*1.5^(n-1), max).
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 2 {
		return 0
	}
	delay := float64(base) * math.Pow(backoffFactor, float64(attempt-1))
	if delay >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
