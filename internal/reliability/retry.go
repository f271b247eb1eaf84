package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed attempt is made again and after
// how long. attempt counts from zero.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// ExponentialBackoff multiplies the delay after every failed attempt, up to Max
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Retries    int
	// Jitter spreads each delay uniformly over ±Jitter/2 of its value
	Jitter float64
}

// NewExponentialBackoff creates a backoff with 30% jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, retries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:    initial,
		Max:        max,
		Multiplier: multiplier,
		Retries:    retries,
		Jitter:     0.3,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Retries || !isRetryable(err) {
		return false, 0
	}
	return true, e.Delay(attempt)
}

func (e *ExponentialBackoff) MaxRetries() int {
	return e.Retries
}

// Delay returns the wait after the given failed attempt
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	d := math.Min(float64(e.Initial)*math.Pow(e.Multiplier, float64(attempt)), float64(e.Max))
	if e.Jitter > 0 {
		d *= 1 + e.Jitter*(rand.Float64()-0.5)
	}
	return time.Duration(d)
}

// FixedDelay waits the same Delay between attempts
type FixedDelay struct {
	Delay   time.Duration
	Retries int
}

func NewFixedDelay(delay time.Duration, retries int) *FixedDelay {
	return &FixedDelay{Delay: delay, Retries: retries}
}

func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.Retries || !isRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

func (f *FixedDelay) MaxRetries() int {
	return f.Retries
}

// Retry calls fn until it succeeds, the policy gives up or ctx ends. A retry
// whose delay would overrun the context deadline is not attempted. After
// more than one attempt the last error comes back inside a *RetryError.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	giveUp := func(attempts int, err error) error {
		if attempts == 1 {
			return err
		}
		return &RetryError{
			Attempts:    attempts,
			MaxAttempts: policy.MaxRetries() + 1,
			LastError:   err,
			Duration:    time.Since(start),
		}
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			return giveUp(attempt+1, err)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return giveUp(attempt+1, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return giveUp(attempt+1, err)
		}
	}
}

// isRetryable treats unknown errors as transient. Context errors and errors
// that say otherwise through IsRetryable are not retried.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
