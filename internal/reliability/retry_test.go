package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second}, // capped at max
		}

		for _, tt := range tests {
			delay := eb.NextDelay(tt.attempt)
			assert.Equal(t, tt.expected, delay)
		}
	})

	t.Run("NextDelay with jitter stays in range", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		eb.Jitter = true

		for i := 0; i < 10; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("broken")))
		assert.False(t, shouldRetry)
	})

	t.Run("context errors are not retryable", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, context.Canceled)
		assert.False(t, shouldRetry)

		shouldRetry, _ = eb.ShouldRetry(0, context.DeadlineExceeded)
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("returns constant delay", func(t *testing.T) {
		fd := NewFixedDelay(250*time.Millisecond, 3)

		assert.Equal(t, 250*time.Millisecond, fd.NextDelay(0))
		assert.Equal(t, 250*time.Millisecond, fd.NextDelay(5))
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		fd := NewFixedDelay(time.Millisecond, 2)

		shouldRetry, _ := fd.ShouldRetry(1, errors.New("transient"))
		assert.True(t, shouldRetry)

		shouldRetry, _ = fd.ShouldRetry(2, errors.New("transient"))
		assert.False(t, shouldRetry)
	})
}

func TestNoRetry(t *testing.T) {
	shouldRetry, delay := NoRetry{}.ShouldRetry(0, errors.New("anything"))
	assert.False(t, shouldRetry)
	assert.Equal(t, time.Duration(0), delay)
}

func TestRetry(t *testing.T) {
	t.Run("returns nil on first success", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls.Add(1)
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries until success", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("returns last error when attempts exhaust", func(t *testing.T) {
		boom := errors.New("still broken")
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls.Add(1)
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(3), calls.Load()) // initial + 2 retries
	})

	t.Run("stops immediately on permanent error", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls.Add(1)
			return Permanent(errors.New("bad request"))
		})

		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("honours context cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls atomic.Int32
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func() error {
			calls.Add(1)
			cancel()
			return errors.New("transient")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestPermanent(t *testing.T) {
	sentinel := errors.New("closed")
	wrapped := Permanent(sentinel)

	assert.ErrorIs(t, wrapped, sentinel)
	assert.False(t, isRetryableError(wrapped))
	assert.Equal(t, "closed", wrapped.Error())
}
