// Package retrycore implements the retry loop shared by the Fetcher and the
// Webhook Deliverer: exponential backoff with jitter, bounded by an
// optional wall-clock time budget checked before every attempt.
package retrycore

import (
	"context"
	"math/rand"
	"time"

	"sentinel/pkg/sentinel"
)

// Options configures a single Do call. MaxTotalTime of zero means no budget.
type Options struct {
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxTotalTime  time.Duration
	ShouldRetry   func(error) bool
}

// Fn is the operation retried by Do.
type Fn func(ctx context.Context, attempt int) error

// Do runs fn, retrying on failure per opts, until it succeeds, the retry
// budget is exhausted, or the wall-clock time budget is exceeded. It
// re-raises the *last* error seen, never a synthetic wrapper, except when
// the budget is exceeded before any attempt has run (BudgetExceededError)
// or ctx is cancelled during a backoff wait (ctx.Err()).
func Do(ctx context.Context, opts Options, fn Fn) error {
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = sentinel.IsRetryable
	}

	start := time.Now()
	attempt := 0
	var lastErr error

	for {
		if opts.MaxTotalTime != 0 {
			elapsed := time.Since(start)
			if elapsed > opts.MaxTotalTime {
				if attempt >= 1 {
					return lastErr
				}
				return &sentinel.BudgetExceededError{MaxTotalTimeMs: opts.MaxTotalTime.Milliseconds()}
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= opts.MaxRetries || !shouldRetry(err) {
			return lastErr
		}

		jitterCeiling := opts.BaseBackoff
		if jitterCeiling > 250*time.Millisecond {
			jitterCeiling = 250 * time.Millisecond
		}
		delay := opts.BaseBackoff*time.Duration(1<<uint(attempt)) + jitter(jitterCeiling)

		if opts.MaxTotalTime != 0 {
			remaining := opts.MaxTotalTime - time.Since(start)
			if remaining <= delay {
				return lastErr
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func jitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
