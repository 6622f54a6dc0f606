// Package backoff provides a bounded exponential retry policy.
//
// The same policy drives two very different callers: HTTP requests to the
// backend (retry transport failures and 5xx, 1s/2s/4s) and SQLite writes
// under WAL contention (retry BUSY/LOCKED, 50ms base with jitter).
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// longest is the largest representable delay; exponential growth saturates
// there instead of wrapping.
const longest = time.Duration(math.MaxInt64)

// Policy controls retry behavior.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	Base       time.Duration // delay before the first retry
	Max        time.Duration // cap on the exponential term; zero means no cap
	Jitter     time.Duration // uniform random extra in [0, Jitter)
}

// Default is the backend request policy: 3 retries at 1s, 2s, 4s.
var Default = Policy{
	MaxRetries: 3,
	Base:       time.Second,
}

// Delay returns the wait before retry number attempt (1-based):
// Base * 2^(attempt-1), capped at Max, plus jitter. Without Max the value
// saturates rather than overflowing.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	if p.Base > 0 {
		delay = longest
		if shift := attempt - 1; shift < 63 && p.Base <= longest>>uint(shift) {
			delay = p.Base << uint(shift)
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		j := time.Duration(rand.Int63n(int64(p.Jitter)))
		if delay > longest-j {
			return longest
		}
		delay += j
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn until it succeeds, returns an error retryable rejects, or
// MaxRetries retries have been spent. fn receives the 0-based attempt
// number. The last error is returned.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := Sleep(ctx, p.Delay(attempt)); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
