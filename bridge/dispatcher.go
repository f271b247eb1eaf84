package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
)

// Outcomes reported to a MetricsCollector
const (
	OutcomeReplied       = "replied"
	OutcomeTimedOut      = "timed_out"
	OutcomePublishFailed = "publish_failed"
	OutcomeAbandoned     = "abandoned"
	OutcomeClosed        = "closed"
)

// MetricsCollector receives request outcomes and unmatched reply actions
type MetricsCollector interface {
	IncrementDispatched()
	RecordOutcome(outcome string, latency time.Duration)
	IncrementUnmatched(action string)
}

type noopMetrics struct{}

func (noopMetrics) IncrementDispatched()                {}
func (noopMetrics) RecordOutcome(string, time.Duration) {}
func (noopMetrics) IncrementUnmatched(string)           {}

// Call is a dispatched request. Its Future completes exactly once.
type Call struct {
	ID string
	*Future
}

// CallOption configures a single dispatch
type CallOption func(*callOptions)

type callOptions struct {
	timeout     time.Duration
	routingKey  string
	contentType string
	headers     map[string]interface{}
}

// WithTimeout overrides the default request timeout
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = timeout
	}
}

// WithRoutingKey overrides the routing key of the request
func WithRoutingKey(key string) CallOption {
	return func(o *callOptions) {
		o.routingKey = key
	}
}

// WithContentType sets the content type of the request payload
func WithContentType(contentType string) CallOption {
	return func(o *callOptions) {
		o.contentType = contentType
	}
}

// WithHeaders adds message headers to the request
func WithHeaders(headers map[string]interface{}) CallOption {
	return func(o *callOptions) {
		o.headers = headers
	}
}

// DispatcherConfig holds the publication settings of a Dispatcher
type DispatcherConfig struct {
	Exchange       string
	RoutingKey     string
	ReplyTo        string
	DefaultTimeout time.Duration
	// ReplyTTL, when set, caps call timeouts so no request outlives its reply
	ReplyTTL       time.Duration
	IDs            IDGenerator
	RetryPolicy    reliability.RetryPolicy
	CircuitBreaker *reliability.CircuitBreaker
	Metrics        MetricsCollector
	Logger         *slog.Logger
}

// Dispatcher registers requests in the pending table and publishes them
type Dispatcher struct {
	table      *PendingTable
	supervisor *TimeoutSupervisor
	publisher  messaging.TransportPublisher
	cfg        DispatcherConfig
	closed     atomic.Bool
}

// NewDispatcher creates a dispatcher publishing through publisher
func NewDispatcher(table *PendingTable, supervisor *TimeoutSupervisor, publisher messaging.TransportPublisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRequestTimeout
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDGenerator{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		table:      table,
		supervisor: supervisor,
		publisher:  publisher,
		cfg:        cfg,
	}
}

// Dispatch registers a request, arms its deadline and publishes payload.
// It returns once the broker has accepted the message; the reply, timeout
// or publish failure arrives on the returned Call. An error is returned
// only when nothing was registered.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, opts ...CallOption) (*Call, error) {
	if d.closed.Load() {
		return nil, ErrBridgeClosed
	}

	co := callOptions{
		timeout:     d.cfg.DefaultTimeout,
		routingKey:  d.cfg.RoutingKey,
		contentType: "application/json",
	}
	for _, opt := range opts {
		opt(&co)
	}
	if co.timeout <= 0 {
		co.timeout = d.cfg.DefaultTimeout
	}
	if d.cfg.ReplyTTL > 0 && co.timeout > d.cfg.ReplyTTL {
		d.cfg.Logger.Warn("request timeout exceeds reply TTL, shortened",
			"timeout", co.timeout,
			"replyTTL", d.cfg.ReplyTTL)
		co.timeout = d.cfg.ReplyTTL
	}

	id := d.cfg.IDs.NextID()
	future := newFuture()
	p := NewPendingRequest(id, co.timeout, future.complete)

	if err := d.table.Register(p); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			d.cfg.Logger.Error("correlation id collision, id generator is broken",
				"correlationId", id)
		}
		return nil, err
	}
	d.supervisor.Arm(p)

	// Close may have drained the table between the check above and Register
	if d.closed.Load() {
		d.resolveClaimed(id, ErrBridgeClosed, OutcomeClosed)
		return nil, ErrBridgeClosed
	}

	d.cfg.Metrics.IncrementDispatched()
	call := &Call{ID: id, Future: future}

	msg := messaging.Message{
		Body:          payload,
		ContentType:   co.contentType,
		CorrelationID: id,
		ReplyTo:       d.cfg.ReplyTo,
		MessageID:     id,
		Headers:       co.headers,
	}
	if err := d.publish(ctx, p, co.routingKey, msg); err != nil {
		perr := &PublishError{
			ID:         id,
			Exchange:   d.cfg.Exchange,
			RoutingKey: co.routingKey,
			Err:        err,
		}
		if d.resolveClaimed(id, perr, OutcomePublishFailed) {
			d.cfg.Logger.Warn("request publish failed",
				"correlationId", id,
				"exchange", d.cfg.Exchange,
				"routingKey", co.routingKey,
				"error", err)
		}
		return call, nil
	}

	d.cfg.Logger.Debug("request published",
		"correlationId", id,
		"routingKey", co.routingKey,
		"replyTo", d.cfg.ReplyTo,
		"timeout", co.timeout)
	return call, nil
}

// Forget removes a pending request whose caller no longer waits for it
// and resolves it with cause (ErrAbandoned when nil). It reports whether
// the request was still pending.
func (d *Dispatcher) Forget(id string, cause error) bool {
	if cause == nil {
		cause = ErrAbandoned
	} else if !errors.Is(cause, ErrAbandoned) {
		cause = fmt.Errorf("%w: %w", ErrAbandoned, cause)
	}
	return d.resolveClaimed(id, cause, OutcomeAbandoned)
}

// Close rejects new dispatches and resolves every pending request with
// ErrBridgeClosed
func (d *Dispatcher) Close() int {
	d.closed.Store(true)

	drained := d.table.Drain()
	for _, p := range drained {
		d.supervisor.Cancel(p)
		d.cfg.Metrics.RecordOutcome(OutcomeClosed, time.Since(p.CreatedAt))
		p.Resolve(Result{Err: ErrBridgeClosed})
	}
	return len(drained)
}

// resolveClaimed claims id and resolves it with err
func (d *Dispatcher) resolveClaimed(id string, err error, outcome string) bool {
	p, ok := d.table.Take(id)
	if !ok {
		return false
	}
	d.supervisor.Cancel(p)
	d.cfg.Metrics.RecordOutcome(outcome, time.Since(p.CreatedAt))
	p.Resolve(Result{Err: err})
	return true
}

// publish sends msg, bounded by the request deadline, through the optional
// circuit breaker and retry policy
func (d *Dispatcher) publish(ctx context.Context, p *PendingRequest, routingKey string, msg messaging.Message) error {
	ctx, cancel := context.WithDeadline(ctx, p.DeadlineAt)
	defer cancel()

	send := func() error {
		return d.publisher.Publish(ctx, d.cfg.Exchange, routingKey, msg)
	}
	attempt := send
	if d.cfg.RetryPolicy != nil {
		attempt = func() error {
			return reliability.Retry(ctx, d.cfg.RetryPolicy, send)
		}
	}
	if d.cfg.CircuitBreaker != nil {
		return d.cfg.CircuitBreaker.Execute(ctx, attempt)
	}
	return attempt()
}
