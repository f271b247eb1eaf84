package bridge

import "time"

// TimeoutSupervisor fires the deadline of each pending request.
// When a timer fires it races the reply path through Table.Take; the loser
// does nothing.
type TimeoutSupervisor struct {
	table     *PendingTable
	onTimeout func(p *PendingRequest)
}

// NewTimeoutSupervisor creates a supervisor over table. onTimeout, when not
// nil, runs for a timed-out request just before its future is resolved.
func NewTimeoutSupervisor(table *PendingTable, onTimeout func(p *PendingRequest)) *TimeoutSupervisor {
	return &TimeoutSupervisor{
		table:     table,
		onTimeout: onTimeout,
	}
}

// Arm schedules the deadline of p. Arming a handle that was already
// cancelled or armed is a no-op.
func (s *TimeoutSupervisor) Arm(p *PendingRequest) {
	h := &p.timer
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released || h.timer != nil {
		return
	}
	h.timer = time.AfterFunc(time.Until(p.DeadlineAt), func() {
		s.expire(p)
	})
}

// Cancel stops and releases the timer of p. It reports whether the timer
// was stopped before firing.
func (s *TimeoutSupervisor) Cancel(p *PendingRequest) bool {
	h := &p.timer
	h.mu.Lock()
	defer h.mu.Unlock()

	h.released = true
	if h.timer == nil {
		return false
	}
	stopped := h.timer.Stop()
	h.timer = nil
	return stopped
}

func (s *TimeoutSupervisor) expire(p *PendingRequest) {
	claimed, ok := s.table.Take(p.ID)
	if !ok {
		// the reply path already resolved this request
		return
	}

	h := &claimed.timer
	h.mu.Lock()
	h.released = true
	h.timer = nil
	h.mu.Unlock()

	if s.onTimeout != nil {
		s.onTimeout(claimed)
	}
	claimed.Resolve(Result{Err: &TimeoutError{ID: claimed.ID, Timeout: claimed.Timeout}})
}
