package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxRetries is returned once every attempt has failed
var ErrMaxRetries = errors.New("notifier: max retries exceeded")

// RetryConfig contains configuration for exponential backoff
type RetryConfig struct {
	MaxRetries    int           // Retries after the first attempt (default: 3)
	RetryDelay    time.Duration // Initial retry delay (default: 500ms)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 10s)
}

// DefaultRetryConfig returns the default backoff
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

// AttemptFunc performs one delivery attempt
type AttemptFunc func(ctx context.Context) error

// Retry runs fn until it succeeds, the retries are exhausted or ctx ends.
// It returns the number of attempts made.
//
// Backoff schedule with the default config:
//   - Retry 1: 500ms
//   - Retry 2: 1s
//   - Retry 3: 2s
func Retry(ctx context.Context, fn AttemptFunc, cfg RetryConfig) (int, error) {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}

		if attempts > cfg.MaxRetries {
			return attempts, fmt.Errorf("%w (%d attempts): %w", ErrMaxRetries, attempts, err)
		}

		timer := time.NewTimer(backoff(attempts, cfg))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		}
	}
}

// backoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay
func backoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(shift))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
