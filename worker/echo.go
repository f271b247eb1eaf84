// Package worker implements the echo worker that answers API requests.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
)

// ReplyContentType is the content type of every echo reply
const ReplyContentType = "application/json"

// EchoWorker consumes requests and replies with {"received": <request>}
type EchoWorker struct {
	publisher  messaging.TransportPublisher
	subscriber messaging.TransportSubscriber
	queue      string
	delay      time.Duration
	options    messaging.SubscriptionOptions
	logger     *slog.Logger
}

// Option configures the echo worker
type Option func(*EchoWorker)

// WithWorkDelay sets the simulated processing time of each request
func WithWorkDelay(delay time.Duration) Option {
	return func(w *EchoWorker) {
		w.delay = delay
	}
}

// WithConcurrency sets how many requests are processed at once
func WithConcurrency(n int) Option {
	return func(w *EchoWorker) {
		w.options.Concurrency = n
	}
}

// WithPrefetchCount sets the prefetch of the request consumer
func WithPrefetchCount(n int) Option {
	return func(w *EchoWorker) {
		w.options.PrefetchCount = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *EchoWorker) {
		w.logger = logger
	}
}

// NewEchoWorker creates a worker for queue
func NewEchoWorker(publisher messaging.TransportPublisher, subscriber messaging.TransportSubscriber, queue string, opts ...Option) *EchoWorker {
	w := &EchoWorker{
		publisher:  publisher,
		subscriber: subscriber,
		queue:      queue,
		delay:      750 * time.Millisecond,
		options:    messaging.SubscriptionOptions{PrefetchCount: 10, Concurrency: 1},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "queue", queue)
	return w
}

// Start subscribes to the request queue
func (w *EchoWorker) Start(ctx context.Context) error {
	if err := w.subscriber.Subscribe(ctx, w.queue, w.Handle, w.options); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", w.queue, err)
	}
	w.logger.Info("echo worker started",
		"delay", w.delay,
		"concurrency", w.options.Concurrency)
	return nil
}

// Stop cancels the request subscription
func (w *EchoWorker) Stop() error {
	return w.subscriber.Unsubscribe(w.queue)
}

// Handle answers one request. The request is acknowledged only after its
// reply has been confirmed by the broker.
func (w *EchoWorker) Handle(ctx context.Context, d messaging.Delivery) error {
	correlationID := d.CorrelationID()
	logger := w.logger.With("correlationId", correlationID)
	logger.Debug("request received", "size", len(d.Body()))

	replyTo := d.ReplyTo()
	if replyTo == "" {
		logger.Warn("request without replyTo dropped")
		return d.Acknowledge()
	}

	if w.delay > 0 {
		timer := time.NewTimer(w.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = d.Reject(true)
			return ctx.Err()
		}
	}

	body, err := EchoReply(d.Body())
	if err != nil {
		logger.Error("failed to build reply", "error", err)
		return d.Reject(false)
	}

	// replies go through the default exchange straight to the reply queue
	err = w.publisher.Publish(ctx, "", replyTo, messaging.Message{
		Body:          body,
		ContentType:   ReplyContentType,
		CorrelationID: correlationID,
	})
	if err != nil {
		logger.Error("failed to publish reply", "replyTo", replyTo, "error", err)
		if rejectErr := d.Reject(true); rejectErr != nil {
			logger.Error("failed to requeue request", "error", rejectErr)
		}
		return err
	}

	logger.Debug("reply published", "replyTo", replyTo)
	return d.Acknowledge()
}

// EchoReply wraps a request body as {"received": body}. A body that is not
// JSON is embedded as a string.
func EchoReply(request []byte) ([]byte, error) {
	var received any = string(request)
	if json.Valid(request) {
		received = json.RawMessage(request)
	}
	return json.Marshal(map[string]any{"received": received})
}
