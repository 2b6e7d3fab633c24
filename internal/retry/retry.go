// Package retry implements the bounded retry-with-backoff primitive used
// by adapters, the storage facade and the cache manager (spec 4.2).
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Options configure a retry Loop.
type Options struct {
	Attempts     int           // total attempts, including the first; default 3
	BaseDelay    time.Duration // default 50ms
	MaxDelay     time.Duration // default 5s
	Jitter       bool
	ShouldRetry  func(err error) bool // nil means "always retry"
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 50 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	return o
}

// Fn is the operation retried. It cooperates with ctx cancellation: a
// well-behaved Fn returns ctx.Err() promptly once ctx is done.
type Fn func(ctx context.Context) error

// Do runs fn up to opts.Attempts times. It sleeps between attempts for
// min(baseDelay*2^attempt, maxDelay), scaled by a uniform [0,1) jitter
// factor when opts.Jitter is set. It stops retrying as soon as
// shouldRetry(err) is false, or after the last attempt, and returns the
// last error encountered. A cancelled ctx aborts the sleep immediately
// and returns ctx.Err().
func Do(ctx context.Context, opts Options, fn Fn) error {
	opts = opts.withDefaults()
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		isLast := attempt == opts.Attempts-1
		if isLast || !shouldRetry(lastErr) {
			return lastErr
		}

		delay := backoffDelay(opts.BaseDelay, opts.MaxDelay, attempt, opts.Jitter)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func backoffDelay(base, max time.Duration, attempt int, jitter bool) time.Duration {
	scaled := float64(base) * math.Pow(2, float64(attempt))
	if scaled > float64(max) {
		scaled = float64(max)
	}
	if jitter {
		scaled *= rand.Float64()
	}
	return time.Duration(scaled)
}
