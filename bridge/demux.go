package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
)

// DeliveryCountHeader is set by quorum queues to the number of earlier
// deliveries of a message
const DeliveryCountHeader = "x-delivery-count"

// UnmatchedHandler observes replies that matched no pending request
type UnmatchedHandler func(ctx context.Context, err *UnmatchedReplyError, delivery messaging.Delivery)

// DemuxConfig configures a Demultiplexer
type DemuxConfig struct {
	// MaxRequeues is how many times an unmatched reply is sent back to the
	// queue before it is discarded
	MaxRequeues int
	Unmatched   UnmatchedHandler
	Metrics     MetricsCollector
	Logger      *slog.Logger
}

// Demultiplexer matches reply deliveries to pending requests
type Demultiplexer struct {
	table      *PendingTable
	supervisor *TimeoutSupervisor
	cfg        DemuxConfig
}

// NewDemultiplexer creates a demultiplexer resolving entries of table
func NewDemultiplexer(table *PendingTable, supervisor *TimeoutSupervisor, cfg DemuxConfig) *Demultiplexer {
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Demultiplexer{
		table:      table,
		supervisor: supervisor,
		cfg:        cfg,
	}
}

// Handle resolves the pending request named by the delivery's correlation
// id and acknowledges the delivery. Replies without a pending request are
// requeued up to MaxRequeues times, then acknowledged and discarded.
func (m *Demultiplexer) Handle(ctx context.Context, d messaging.Delivery) error {
	id := d.CorrelationID()
	if id != "" {
		if p, ok := m.table.Take(id); ok {
			m.supervisor.Cancel(p)
			// metrics first, so a woken caller observes its own outcome
			m.cfg.Metrics.RecordOutcome(OutcomeReplied, time.Since(p.CreatedAt))
			p.Resolve(Result{Reply: &Reply{
				CorrelationID: id,
				ContentType:   d.ContentType(),
				Body:          append([]byte(nil), d.Body()...),
				Headers:       d.Headers(),
			}})

			if err := d.Acknowledge(); err != nil {
				return fmt.Errorf("failed to ack reply %s: %w", id, err)
			}
			return nil
		}
	}
	return m.unmatched(ctx, id, d)
}

// Run handles deliveries until ctx is done or the stream is closed
func (m *Demultiplexer) Run(ctx context.Context, deliveries <-chan messaging.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := m.Handle(ctx, d); err != nil {
				m.cfg.Logger.Error("failed to handle reply",
					"correlationId", d.CorrelationID(),
					"error", err)
			}
		}
	}
}

func (m *Demultiplexer) unmatched(ctx context.Context, id string, d messaging.Delivery) error {
	attempts, counted := deliveryAttempts(d)
	uerr := &UnmatchedReplyError{CorrelationID: id, Attempts: attempts}

	// Without a delivery counter the redelivered flag is all we know, so a
	// redelivered reply has used up its requeue.
	requeue := attempts <= m.cfg.MaxRequeues && (counted || !d.Redelivered())
	if requeue {
		m.cfg.Metrics.IncrementUnmatched("requeued")
		m.cfg.Logger.Debug("unmatched reply requeued",
			"correlationId", id,
			"attempts", attempts)
		m.notify(ctx, uerr, d)
		if err := d.Reject(true); err != nil {
			return fmt.Errorf("failed to requeue unmatched reply %s: %w", id, err)
		}
		return nil
	}

	uerr.Discarded = true
	m.cfg.Metrics.IncrementUnmatched("discarded")
	m.cfg.Logger.Warn("unmatched reply discarded",
		"correlationId", id,
		"attempts", attempts)
	m.notify(ctx, uerr, d)
	if err := d.Acknowledge(); err != nil {
		return fmt.Errorf("failed to ack unmatched reply %s: %w", id, err)
	}
	return nil
}

func (m *Demultiplexer) notify(ctx context.Context, err *UnmatchedReplyError, d messaging.Delivery) {
	if m.cfg.Unmatched != nil {
		m.cfg.Unmatched(ctx, err, d)
	}
}

// deliveryAttempts returns how many times d has been delivered, including
// this delivery, and whether the broker supplied an exact count
func deliveryAttempts(d messaging.Delivery) (int, bool) {
	if v, ok := d.Headers()[DeliveryCountHeader]; ok {
		switch n := v.(type) {
		case int:
			return n + 1, true
		case int16:
			return int(n) + 1, true
		case int32:
			return int(n) + 1, true
		case int64:
			return int(n) + 1, true
		case uint8:
			return int(n) + 1, true
		case uint16:
			return int(n) + 1, true
		case uint32:
			return int(n) + 1, true
		}
	}
	if d.Redelivered() {
		return 2, false
	}
	return 1, false
}
