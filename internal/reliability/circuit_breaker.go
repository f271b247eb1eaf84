package reliability

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after every transition, outside the breaker lock
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker fails calls fast once the broker has refused
// failureThreshold publications in a row. After openTimeout it lets a few
// trial calls through and closes again when successThreshold of them succeed.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time

	name             string
	failureThreshold int
	successThreshold int
	halfOpenTrials   int
	openTimeout      time.Duration
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithName labels the breaker in errors and state change callbacks
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithTimeout sets how long the circuit stays open before probing
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests caps concurrent trial calls while half-open
func WithHalfOpenRequests(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenTrials = n
		}
	}
}

// WithStateChange registers fn to observe transitions
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

func withClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		halfOpenTrials:   3,
		openTimeout:      30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open. An open circuit returns a
// *CircuitBreakerError matching ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.record(trial, err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// admit reports whether the call is a half-open trial
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	from := cb.state

	if cb.state == StateOpen {
		retryAt := cb.openedAt.Add(cb.openTimeout)
		if cb.now().Before(retryAt) {
			err := cb.errorLocked(retryAt)
			cb.mu.Unlock()
			return false, err
		}
		cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenTrials {
			err := cb.errorLocked(cb.now().Add(time.Second))
			cb.mu.Unlock()
			return false, err
		}
		cb.trials++
		trial = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return trial, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if trial && cb.trials > 0 {
		cb.trials--
	}

	switch {
	case err != nil && cb.state == StateHalfOpen:
		cb.setState(StateOpen)
	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.failureThreshold {
			cb.setState(StateOpen)
		}
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.setState(StateClosed)
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(to State) {
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	cb.state = to
	cb.successes = 0
	cb.trials = 0
}

func (cb *CircuitBreaker) errorLocked(retryAt time.Time) error {
	return &CircuitBreakerError{
		State:            cb.state,
		Op:               cb.name,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		NextRetry:        retryAt,
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
