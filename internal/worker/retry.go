package worker

import (
	"context"
	"math"
	"time"
)

// RetryPolicy is exponential backoff. Zero fields fall back to one attempt, a 1s first
// delay, a factor of 2 and no ceiling.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay is the wait after the given 1-based attempt has failed.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	base, factor := r.InitialDelay, r.BackoffFactor
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 2
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if r.MaxDelay > 0 && delay >= float64(r.MaxDelay) {
			return r.MaxDelay
		}
		if delay >= math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
	}
	if r.MaxDelay > 0 && time.Duration(delay) > r.MaxDelay {
		return r.MaxDelay
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, MaxRetries attempts are spent, or ctx ends. It returns the
// last error from fn, or ctx's error when cancelled while waiting.
func (r RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := r.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(r.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
