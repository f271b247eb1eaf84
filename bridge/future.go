package bridge

import (
	"context"
	"sync"
)

// Reply is the payload and metadata of a matched reply message
type Reply struct {
	CorrelationID string
	ContentType   string
	Body          []byte
	Headers       map[string]interface{}
}

// Result is the single outcome of a dispatched request.
// Exactly one of Reply and Err is set.
type Result struct {
	Reply *Reply
	Err   error
}

// Future is completed exactly once with the Result of a request.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete stores the result and wakes every waiter. It reports whether
// this call was the one that completed the future.
func (f *Future) complete(r Result) bool {
	won := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		won = true
	})
	return won
}

// Done returns a channel that is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
// A context error does not resolve the request; see Dispatcher.Forget.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result and whether the future has completed
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}
