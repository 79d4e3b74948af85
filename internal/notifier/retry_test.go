package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxRetries: max, RetryDelay: time.Millisecond, MaxRetryDelay: 4 * time.Millisecond}
}

func TestBackoff(t *testing.T) {
	cfg := DefaultRetryConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{200, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestRetry(t *testing.T) {
	boom := errors.New("boom")

	t.Run("first_attempt", func(t *testing.T) {
		attempts, err := Retry(context.Background(), func(context.Context) error { return nil }, fastRetry(3))
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("succeeds_after_failures", func(t *testing.T) {
		calls := 0
		attempts, err := Retry(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		}, fastRetry(3))
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("exhausted", func(t *testing.T) {
		attempts, err := Retry(context.Background(), func(context.Context) error { return boom }, fastRetry(2))
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, attempts)
	})

	t.Run("no_retries", func(t *testing.T) {
		attempts, err := Retry(context.Background(), func(context.Context) error { return boom }, fastRetry(0))
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled_during_backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := RetryConfig{MaxRetries: 5, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}
		attempts, err := Retry(ctx, func(context.Context) error {
			cancel()
			return boom
		}, cfg)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled_before_start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		attempts, err := Retry(ctx, func(context.Context) error { return nil }, fastRetry(1))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, attempts)
	})
}
