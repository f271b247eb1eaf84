// Package reliability provides the retry and circuit breaker patterns used
// around request publication.
//
//   - Retry Policies: exponential backoff and fixed delay, never sleeping past
//     the context deadline
//   - Circuit Breaker: fails publications fast while the broker keeps refusing them
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return Retry(ctx, NewFixedDelay(100*time.Millisecond, 2), publish)
//	})
package reliability
