package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ConnectionStatus reports whether a broker connection is up
type ConnectionStatus interface {
	IsConnected() bool
}

// PendingCounter reports the number of requests awaiting a reply
type PendingCounter interface {
	GetPendingRequestCount() int
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	conn ConnectionStatus
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn ConnectionStatus) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		// requests fail fast while the connection manager reconnects
		result.Status = StatusUnhealthy
		result.Message = "Not connected to broker"
	}

	result.Duration = time.Since(start)
	return result
}

// BridgeChecker reports the pending request count against its capacity
type BridgeChecker struct {
	pending  PendingCounter
	capacity int
}

// NewBridgeChecker creates a checker that degrades once the pending table
// is at least 90% full. A capacity of zero disables the threshold.
func NewBridgeChecker(pending PendingCounter, capacity int) *BridgeChecker {
	return &BridgeChecker{pending: pending, capacity: capacity}
}

func (c *BridgeChecker) Name() string {
	return "bridge"
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	count := c.pending.GetPendingRequestCount()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Bridge is accepting requests",
		Timestamp: start,
		Details: map[string]interface{}{
			"pending":  count,
			"capacity": c.capacity,
		},
	}

	if c.capacity > 0 && count*10 >= c.capacity*9 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Pending requests near capacity: %d/%d", count, c.capacity)
	}

	result.Duration = time.Since(start)
	return result
}

// QueueInspector reports the depth of a broker queue
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (messages, consumers int, err error)
}

// QueueChecker watches the request queue. Without consumers every request
// times out, so that case is degraded rather than healthy.
type QueueChecker struct {
	inspector QueueInspector
	queue     string
}

// NewQueueChecker creates a checker for queue
func NewQueueChecker(inspector QueueInspector, queue string) *QueueChecker {
	return &QueueChecker{inspector: inspector, queue: queue}
}

func (c *QueueChecker) Name() string {
	return "request_queue"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"queue": c.queue},
	}

	messages, consumers, err := c.inspector.QueueDepth(ctx, c.queue)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Failed to inspect queue: %v", err)
	case consumers == 0:
		result.Status = StatusDegraded
		result.Message = "No workers consuming requests"
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d workers consuming", consumers)
	}
	if err == nil {
		result.Details["messages"] = messages
		result.Details["consumers"] = consumers
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "runtime"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
