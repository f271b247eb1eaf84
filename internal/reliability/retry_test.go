package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("retries up to the limit", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)
		assert.Equal(t, 3, eb.MaxRetries())

		for i := 0; i < 3; i++ {
			again, delay := eb.ShouldRetry(i, errors.New("nacked"))
			assert.True(t, again)
			assert.Greater(t, delay, time.Duration(0))
		}

		again, delay := eb.ShouldRetry(3, errors.New("nacked"))
		assert.False(t, again)
		assert.Zero(t, delay)
	})

	t.Run("delay grows and caps without jitter", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		eb.Jitter = 0

		assert.Equal(t, 100*time.Millisecond, eb.Delay(0))
		assert.Equal(t, 200*time.Millisecond, eb.Delay(1))
		assert.Equal(t, 800*time.Millisecond, eb.Delay(3))
		assert.Equal(t, time.Second, eb.Delay(8))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		for i := 0; i < 50; i++ {
			d := eb.Delay(0)
			assert.GreaterOrEqual(t, d, 84*time.Millisecond)
			assert.LessOrEqual(t, d, 116*time.Millisecond)
		}
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		again, _ := eb.ShouldRetry(0, RetryableError{Err: errors.New("bad request"), Retryable: false})
		assert.False(t, again)

		again, _ = eb.ShouldRetry(0, context.DeadlineExceeded)
		assert.False(t, again)

		again, _ = eb.ShouldRetry(0, &CircuitBreakerError{State: StateOpen})
		assert.False(t, again)
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns nil after a transient failure", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(5*time.Millisecond, 3), func() error {
			if atomic.AddInt32(&calls, 1) < 2 {
				return errors.New("channel closed")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("wraps the last error after giving up", func(t *testing.T) {
		cause := errors.New("nacked")
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			atomic.AddInt32(&calls, 1)
			return cause
		})

		assert.ErrorIs(t, err, cause)
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, retryErr.MaxAttempts)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("a single attempt returns the bare error", func(t *testing.T) {
		cause := RetryableError{Err: errors.New("fatal"), Retryable: false}
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			return cause
		})

		var retryErr *RetryError
		assert.False(t, errors.As(err, &retryErr))
		assert.Equal(t, "fatal", err.Error())
	})

	t.Run("does not sleep past the deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		var calls int32
		err := Retry(ctx, NewFixedDelay(time.Second, 5), func() error {
			atomic.AddInt32(&calls, 1)
			return errors.New("unreachable")
		})

		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("returns context error when cancelled before the first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			t.Fatal("fn must not run")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
