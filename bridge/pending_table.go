package bridge

import (
	"sync"
	"time"
)

// PendingRequest is an outstanding request awaiting a reply or its deadline.
// Entries are never modified once registered: resolution removes them from
// the table instead.
type PendingRequest struct {
	ID         string
	CreatedAt  time.Time
	DeadlineAt time.Time
	Timeout    time.Duration

	resolve func(Result) bool
	timer   timeoutHandle
}

// NewPendingRequest builds an entry whose deadline is timeout from now.
// resolve receives the single outcome of the request.
func NewPendingRequest(id string, timeout time.Duration, resolve func(Result) bool) *PendingRequest {
	now := time.Now()
	return &PendingRequest{
		ID:         id,
		CreatedAt:  now,
		DeadlineAt: now.Add(timeout),
		Timeout:    timeout,
		resolve:    resolve,
	}
}

// Resolve delivers r to the caller. Only the goroutine that won Take may
// call it; the resolver ignores any later call.
func (p *PendingRequest) Resolve(r Result) bool {
	if p.resolve == nil {
		return false
	}
	return p.resolve(r)
}

// timeoutHandle owns the deadline timer of one entry
type timeoutHandle struct {
	mu       sync.Mutex
	timer    *time.Timer
	released bool
}

// PendingTable maps correlation ids to pending requests.
// Take is the only way to claim the right to resolve an entry.
type PendingTable struct {
	mu       sync.Mutex
	entries  map[string]*PendingRequest
	capacity int
}

// NewPendingTable creates a table. A positive capacity bounds the number
// of live entries.
func NewPendingTable(capacity int) *PendingTable {
	return &PendingTable{
		entries:  make(map[string]*PendingRequest),
		capacity: capacity,
	}
}

// Register inserts p in the pending state
func (t *PendingTable) Register(p *PendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[p.ID]; exists {
		return ErrDuplicateID
	}
	if t.capacity > 0 && len(t.entries) >= t.capacity {
		return ErrTooManyPending
	}
	t.entries[p.ID] = p
	return nil
}

// Take atomically removes and returns the entry for id.
// Exactly one concurrent caller observes ok == true for a given entry.
func (t *PendingTable) Take(id string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return p, ok
}

// Size returns the number of pending entries
func (t *PendingTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain atomically removes and returns every entry
func (t *PendingTable) Drain() []*PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := make([]*PendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		drained = append(drained, p)
		delete(t.entries, id)
	}
	return drained
}
