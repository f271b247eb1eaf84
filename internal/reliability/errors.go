package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
)

// CircuitBreakerError is returned when the breaker refuses a call
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s: half-open, trial limit reached", e.Op)
	}
	return fmt.Sprintf("circuit breaker %s: open after %d/%d failures, retry in %v",
		e.Op, e.Failures, e.FailureThreshold, time.Until(e.NextRetry).Round(time.Millisecond))
}

// Is matches ErrCircuitOpen or ErrCircuitHalfOpenLimit depending on the state
func (e *CircuitBreakerError) Is(target error) bool {
	switch e.State {
	case StateOpen:
		return target == ErrCircuitOpen
	case StateHalfOpen:
		return target == ErrCircuitHalfOpenLimit
	}
	return false
}

// IsRetryable reports false so Retry gives up on a refused call
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// RetryError wraps the last failure once Retry has given up
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("gave up after %d/%d attempts in %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// RetryableError marks Err as retryable or not
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}
