package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
)

const (
	// DefaultRequestTimeout applies when neither the bridge nor the call sets one
	DefaultRequestTimeout = 5 * time.Second
	// DefaultReplyQueue is the shared reply queue of all API instances
	DefaultReplyQueue = "response.api.q"
	// DefaultExchange is the topic exchange requests are published to
	DefaultExchange = "api"
)

// SyncAsyncBridge enables synchronous request-response over async messaging
type SyncAsyncBridge struct {
	table      *PendingTable
	supervisor *TimeoutSupervisor
	dispatcher *Dispatcher
	demux      *Demultiplexer
	subscriber messaging.TransportSubscriber
	replyQueue string
	logger     *slog.Logger
	closeOnce  sync.Once
}

// BridgeOption configures the sync-async bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	ReplyQueue         string
	Exchange           string
	RoutingKey         string
	DefaultTimeout     time.Duration
	ReplyTTL           time.Duration
	MaxPendingRequests int
	MaxRequeues        int
	PrefetchCount      int
	IDGenerator        IDGenerator
	CircuitBreaker     *reliability.CircuitBreaker
	RetryPolicy        reliability.RetryPolicy
	Metrics            MetricsCollector
	UnmatchedHandler   UnmatchedHandler
	Logger             *slog.Logger
}

// WithReplyQueue sets the queue replies are consumed from
func WithReplyQueue(queueName string) BridgeOption {
	return func(c *BridgeConfig) {
		c.ReplyQueue = queueName
	}
}

// WithExchange sets the exchange requests are published to
func WithExchange(exchange string) BridgeOption {
	return func(c *BridgeConfig) {
		c.Exchange = exchange
	}
}

// WithRequestRoutingKey sets the default routing key of requests
func WithRequestRoutingKey(key string) BridgeOption {
	return func(c *BridgeConfig) {
		c.RoutingKey = key
	}
}

// WithDefaultTimeout sets the default timeout for requests
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithReplyTTL tells the bridge how long the broker keeps a reply. Call
// timeouts longer than ttl are shortened to it.
func WithReplyTTL(ttl time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.ReplyTTL = ttl
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingRequests = max
	}
}

// WithMaxRequeues sets how often an unmatched reply is requeued before it is discarded
func WithMaxRequeues(n int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxRequeues = n
	}
}

// WithPrefetchCount sets the prefetch of the reply consumer
func WithPrefetchCount(n int) BridgeOption {
	return func(c *BridgeConfig) {
		c.PrefetchCount = n
	}
}

// WithIDGenerator replaces the correlation id generator
func WithIDGenerator(gen IDGenerator) BridgeOption {
	return func(c *BridgeConfig) {
		c.IDGenerator = gen
	}
}

// WithBridgeCircuitBreaker protects request publication with cb
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithBridgeRetryPolicy retries failed publications within the request deadline
func WithBridgeRetryPolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetryPolicy = policy
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) BridgeOption {
	return func(c *BridgeConfig) {
		c.Metrics = m
	}
}

// WithUnmatchedHandler observes replies that matched no pending request
func WithUnmatchedHandler(h UnmatchedHandler) BridgeOption {
	return func(c *BridgeConfig) {
		c.UnmatchedHandler = h
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// NewSyncAsyncBridge creates a bridge and subscribes to its reply queue
func NewSyncAsyncBridge(ctx context.Context, publisher messaging.TransportPublisher, subscriber messaging.TransportSubscriber, opts ...BridgeOption) (*SyncAsyncBridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}

	config := &BridgeConfig{
		ReplyQueue:         DefaultReplyQueue,
		Exchange:           DefaultExchange,
		RoutingKey:         "v0.api",
		DefaultTimeout:     DefaultRequestTimeout,
		MaxPendingRequests: 1000,
		MaxRequeues:        1,
		PrefetchCount:      50,
		IDGenerator:        UUIDGenerator{},
		Metrics:            noopMetrics{},
		Logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.ReplyQueue == "" {
		return nil, fmt.Errorf("reply queue cannot be empty")
	}

	logger := config.Logger.With("component", "bridge")
	if config.MaxRequeues > 1 {
		// the redelivered flag cannot count past one
		logger.Warn("unmatched replies are requeued at most once unless the reply queue sets "+DeliveryCountHeader,
			"maxRequeues", config.MaxRequeues)
	}
	table := NewPendingTable(config.MaxPendingRequests)
	supervisor := NewTimeoutSupervisor(table, func(p *PendingRequest) {
		config.Metrics.RecordOutcome(OutcomeTimedOut, time.Since(p.CreatedAt))
		logger.Warn("request timed out",
			"correlationId", p.ID,
			"timeout", p.Timeout)
	})

	b := &SyncAsyncBridge{
		table:      table,
		supervisor: supervisor,
		dispatcher: NewDispatcher(table, supervisor, publisher, DispatcherConfig{
			Exchange:       config.Exchange,
			RoutingKey:     config.RoutingKey,
			ReplyTo:        config.ReplyQueue,
			DefaultTimeout: config.DefaultTimeout,
			ReplyTTL:       config.ReplyTTL,
			IDs:            config.IDGenerator,
			RetryPolicy:    config.RetryPolicy,
			CircuitBreaker: config.CircuitBreaker,
			Metrics:        config.Metrics,
			Logger:         logger,
		}),
		demux: NewDemultiplexer(table, supervisor, DemuxConfig{
			MaxRequeues: config.MaxRequeues,
			Unmatched:   config.UnmatchedHandler,
			Metrics:     config.Metrics,
			Logger:      logger,
		}),
		subscriber: subscriber,
		replyQueue: config.ReplyQueue,
		logger:     logger,
	}

	err := subscriber.Subscribe(ctx, config.ReplyQueue, b.demux.Handle, messaging.SubscriptionOptions{
		PrefetchCount: config.PrefetchCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply queue: %w", err)
	}

	logger.Info("bridge ready",
		"replyQueue", config.ReplyQueue,
		"exchange", config.Exchange,
		"routingKey", config.RoutingKey,
		"timeout", config.DefaultTimeout)
	return b, nil
}

// Dispatch publishes payload and returns without waiting for the reply
func (b *SyncAsyncBridge) Dispatch(ctx context.Context, payload []byte, opts ...CallOption) (*Call, error) {
	return b.dispatcher.Dispatch(ctx, payload, opts...)
}

// Request publishes payload and waits for its reply. If ctx ends first the
// pending request is removed and the context error returned.
func (b *SyncAsyncBridge) Request(ctx context.Context, payload []byte, opts ...CallOption) (*Reply, error) {
	call, err := b.dispatcher.Dispatch(ctx, payload, opts...)
	if err != nil {
		return nil, err
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		if b.dispatcher.Forget(call.ID, ctx.Err()) {
			return nil, ctx.Err()
		}
		// lost the race: the result is being delivered
		<-call.Done()
	}

	result, _ := call.Result()
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Reply, nil
}

// Forget removes a pending request early
func (b *SyncAsyncBridge) Forget(id string) bool {
	return b.dispatcher.Forget(id, nil)
}

// Demultiplexer returns the reply demultiplexer
func (b *SyncAsyncBridge) Demultiplexer() *Demultiplexer {
	return b.demux
}

// GetPendingRequestCount returns the number of pending requests
func (b *SyncAsyncBridge) GetPendingRequestCount() int {
	return b.table.Size()
}

// ReplyQueue returns the reply queue name
func (b *SyncAsyncBridge) ReplyQueue() string {
	return b.replyQueue
}

// Close shuts down the bridge. Pending requests resolve with ErrBridgeClosed.
func (b *SyncAsyncBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if n := b.dispatcher.Close(); n > 0 {
			b.logger.Info("closed bridge with pending requests", "pending", n)
		}
		err = b.subscriber.Unsubscribe(b.replyQueue)
	})
	return err
}
