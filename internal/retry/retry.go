// Package retry implements bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes the wait before a retry. Attempt 1 is the first retry.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns Base*2^(attempt-1), capped at Max, plus up to Base of
// jitter when enabled.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter && b.Base > 0 {
		delay += time.Duration(rand.Int63n(int64(b.Base)))
	}
	return delay
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
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

// Do calls fn up to attempts times, waiting backoff.Delay between calls
// while retryable(err) holds. The last error is returned.
func Do(ctx context.Context, attempts int, backoff Backoff, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if werr := Wait(ctx, backoff.Delay(attempt-1)); werr != nil {
				return err
			}
		}
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}
