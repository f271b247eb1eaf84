package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks on success and requeues on error
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckManual leaves acknowledgment to the handler
	AckManual
)

// SubscribeOptions configures one subscription
type SubscribeOptions struct {
	PrefetchCount int
	Exclusive     bool
	ConsumerTag   string
	// Concurrency is the number of deliveries handled in parallel
	Concurrency int
}

// Consumer manages message consumption from RabbitMQ. A subscription whose
// channel dies is re-established until it is unsubscribed.
type Consumer struct {
	pool             *ChannelPool
	strategy         AcknowledgmentStrategy
	handlerTimeout   time.Duration
	resubscribeDelay time.Duration
	logger           *slog.Logger
	activeConsumers  sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithAckStrategy sets how deliveries are acknowledged
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithHandlerTimeout bounds the context given to each handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithResubscribeDelay sets the pause between attempts to re-establish a
// lost subscription
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:             pool,
		strategy:         AckOnSuccess,
		handlerTimeout:   30 * time.Second,
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

type subscription struct {
	queue   string
	opts    SubscribeOptions
	handler MessageHandler
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	channel *PooledChannel
	tag     string
}

// Subscribe starts consuming from queue. The first consume is performed
// synchronously so that a missing queue or refused access is reported.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler, opts SubscribeOptions) error {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PrefetchCount < opts.Concurrency {
		opts.PrefetchCount = opts.Concurrency
	}

	if _, exists := c.activeConsumers.Load(queue); exists {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("queue %s already has a consumer", queue),
			Timestamp: time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		queue:   queue,
		opts:    opts,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	deliveries, err := c.consume(ctx, sub)
	if err != nil {
		cancel()
		return err
	}
	if _, loaded := c.activeConsumers.LoadOrStore(queue, sub); loaded {
		cancel()
		c.release(sub)
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("queue %s already has a consumer", queue),
			Timestamp: time.Now(),
		}
	}

	go c.run(consumerCtx, sub, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", sub.tag,
		"prefetchCount", opts.PrefetchCount,
		"concurrency", opts.Concurrency)
	return nil
}

// consume opens a channel and starts a broker consumer for sub
func (c *Consumer) consume(ctx context.Context, sub *subscription) (<-chan amqp.Delivery, error) {
	fail := func(op string, err error) error {
		return &ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.opts.ConsumerTag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fail("subscribe", err)
	}

	if err := ch.Qos(sub.opts.PrefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return nil, fail("set qos", err)
	}

	tag := sub.opts.ConsumerTag
	if tag == "" {
		tag = sub.queue + "-" + ch.ID()
	}
	deliveries, err := ch.Consume(sub.queue, tag, false, sub.opts.Exclusive, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return nil, fail("consume", err)
	}

	sub.mu.Lock()
	sub.channel = ch
	sub.tag = tag
	sub.mu.Unlock()
	return deliveries, nil
}

// run serves deliveries and re-establishes the subscription when the
// delivery stream closes without an Unsubscribe
func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	defer close(sub.done)

	for {
		c.serve(ctx, sub, deliveries)
		c.release(sub)

		if ctx.Err() != nil {
			c.logger.Info("consumer stopped", "queue", sub.queue)
			return
		}
		c.logger.Warn("delivery channel closed, resubscribing", "queue", sub.queue)

		var err error
		deliveries, err = c.resubscribe(ctx, sub)
		if err != nil {
			c.logger.Info("consumer stopped", "queue", sub.queue)
			return
		}
		c.logger.Info("resubscribed to queue", "queue", sub.queue, "consumerTag", sub.tag)
	}
}

func (c *Consumer) resubscribe(ctx context.Context, sub *subscription) (<-chan amqp.Delivery, error) {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(c.resubscribeDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		deliveries, err := c.consume(ctx, sub)
		if err == nil {
			return deliveries, nil
		}
		c.logger.Error("resubscribe failed",
			"queue", sub.queue,
			"attempt", attempt,
			"error", err)
	}
}

// serve fans deliveries out to Concurrency workers until the stream closes
// or ctx is cancelled
func (c *Consumer) serve(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < sub.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-deliveries:
					if !ok {
						return
					}
					if err := c.handleMessage(ctx, delivery, sub.handler); err != nil {
						c.logger.Error("failed to handle message",
							"error", err,
							"queue", sub.queue,
							"correlationId", delivery.CorrelationId)
					}
				}
			}
		}()
	}
	wg.Wait()
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if c.strategy != AckOnSuccess {
		return err
	}

	if err != nil {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err)
		}
		return err
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		return fmt.Errorf("failed to ack message: %w", ackErr)
	}
	return nil
}

// release cancels the broker consumer and closes its channel. Unacked
// deliveries return to the queue.
func (c *Consumer) release(sub *subscription) {
	sub.mu.Lock()
	ch, tag := sub.channel, sub.tag
	sub.channel = nil
	sub.mu.Unlock()

	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		_ = ch.Cancel(tag, false)
	}
	c.pool.Discard(ch)
}

// Unsubscribe stops consuming from a queue and waits for in-flight
// handlers to return
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.LoadAndDelete(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	sub := value.(*subscription)
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup
	for _, queue := range c.GetActiveConsumers() {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(queue)
	}
	wg.Wait()
	return nil
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
