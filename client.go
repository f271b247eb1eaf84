// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/monitor"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Client provides the main entry point for mmate-rpc
type Client struct {
	config    *config.Config
	transport messaging.Transport
	bridge    *bridge.SyncAsyncBridge
	metrics   *monitor.SimpleMetricsCollector
	health    *health.Registry
	logger    *slog.Logger
}

// Dial connects a RabbitMQ transport configured from cfg. It keeps retrying
// until the broker accepts the connection or ctx ends.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rabbitmqTransport.Transport, error) {
	return rabbitmqTransport.NewTransport(ctx, cfg.BrokerURL(), dialOptions(cfg, logger)...)
}

func dialOptions(cfg *config.Config, logger *slog.Logger) []rabbitmqTransport.TransportOption {
	return []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		),
		rabbitmqTransport.WithPoolOptions(
			rabbitmq.WithMaxSize(cfg.Broker.ChannelPool),
		),
		rabbitmqTransport.WithPublisherOptions(
			rabbitmq.WithConfirmTimeout(cfg.Broker.ConfirmTimeout),
			rabbitmq.WithMandatory(cfg.Broker.Mandatory),
		),
	}
}

// NewClient dials the broker and builds a client from cfg
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	opts := newClientConfig(options)

	transport, err := Dial(ctx, cfg, opts.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := NewClientWithTransport(ctx, cfg, transport, options...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	return client, nil
}

// NewClientWithTransport declares the topology on transport and starts the
// bridge on the reply queue
func NewClientWithTransport(ctx context.Context, cfg *config.Config, transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	opts := newClientConfig(options)

	if err := transport.DeclareTopology(ctx, Topology(cfg)); err != nil {
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	metrics := monitor.NewSimpleMetricsCollector()
	b, err := bridge.NewSyncAsyncBridge(ctx, transport.Publisher(), transport.Subscriber(),
		append(bridgeOptions(cfg, metrics, opts.logger), opts.bridgeOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker(transport))
	registry.Register(health.NewBridgeChecker(b, cfg.Bridge.MaxPending))
	registry.Register(health.NewGoroutineChecker(cfg.Bridge.MaxPending*2+500, cfg.Bridge.MaxPending*4+1000))
	if inspector, ok := transport.(health.QueueInspector); ok {
		registry.Register(health.NewQueueChecker(inspector, cfg.RequestQueue()))
	}
	registry.SetMetadata("routing_key", cfg.RoutingKey())
	registry.SetMetadata("reply_queue", cfg.Bridge.ReplyQueue)

	return &Client{
		config:    cfg,
		transport: transport,
		bridge:    b,
		metrics:   metrics,
		health:    registry,
		logger:    opts.logger,
	}, nil
}

// Topology is the broker layout of one API version: the request exchange,
// the request queue bound to it and the shared reply queue.
func Topology(cfg *config.Config) messaging.Topology {
	return messaging.Topology{
		Exchanges: []messaging.ExchangeSpec{
			{Name: cfg.API.Exchange, Kind: amqp.ExchangeTopic, Durable: true},
		},
		Queues: []messaging.QueueSpec{
			{Name: cfg.RequestQueue(), Durable: true},
			{Name: cfg.Bridge.ReplyQueue, Durable: true, MessageTTL: cfg.Bridge.ReplyTTL},
		},
		Bindings: []messaging.BindingSpec{
			{Queue: cfg.RequestQueue(), Exchange: cfg.API.Exchange, RoutingKey: cfg.RoutingKey()},
		},
	}
}

// WorkerTopology is the part of Topology a worker needs to consume requests
func WorkerTopology(cfg *config.Config) messaging.Topology {
	t := Topology(cfg)
	t.Queues = t.Queues[:1]
	return t
}

func bridgeOptions(cfg *config.Config, metrics bridge.MetricsCollector, logger *slog.Logger) []bridge.BridgeOption {
	opts := []bridge.BridgeOption{
		bridge.WithReplyQueue(cfg.Bridge.ReplyQueue),
		bridge.WithExchange(cfg.API.Exchange),
		bridge.WithRequestRoutingKey(cfg.RoutingKey()),
		bridge.WithDefaultTimeout(cfg.Bridge.RequestTimeout),
		bridge.WithReplyTTL(cfg.Bridge.ReplyTTL),
		bridge.WithIDGenerator(bridge.UUIDGenerator{TimeOrdered: cfg.Bridge.TimeOrderedIDs}),
		bridge.WithMaxPendingRequests(cfg.Bridge.MaxPending),
		bridge.WithMaxRequeues(cfg.Bridge.MaxRequeues),
		bridge.WithPrefetchCount(cfg.Bridge.PrefetchCount),
		bridge.WithMetrics(metrics),
		bridge.WithLogger(logger),
	}
	if cfg.Bridge.PublishRetries > 0 {
		opts = append(opts, bridge.WithBridgeRetryPolicy(
			reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, cfg.Bridge.PublishRetries)))
	}
	if cb := cfg.Bridge.CircuitBreaker; cb.FailureThreshold > 0 {
		opts = append(opts, bridge.WithBridgeCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("publish"),
			reliability.WithFailureThreshold(cb.FailureThreshold),
			reliability.WithTimeout(cb.OpenTimeout),
			reliability.WithStateChange(func(name string, from, to reliability.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}),
		)))
	}
	return opts
}

// Request publishes payload and waits for its reply
func (c *Client) Request(ctx context.Context, payload []byte, opts ...bridge.CallOption) (*bridge.Reply, error) {
	return c.bridge.Request(ctx, payload, opts...)
}

// Bridge returns the sync-async bridge
func (c *Client) Bridge() *bridge.SyncAsyncBridge {
	return c.bridge
}

// Metrics returns the request metrics collector
func (c *Client) Metrics() *monitor.SimpleMetricsCollector {
	return c.metrics
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Config returns the client configuration
func (c *Client) Config() *config.Config {
	return c.config
}

// Close closes the bridge, then the transport
func (c *Client) Close() error {
	var errs []error
	if c.bridge != nil {
		if err := c.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge: %w", err))
		}
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	bridgeOptions []bridge.BridgeOption
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithBridgeOptions appends bridge options after the ones derived from config
func WithBridgeOptions(opts ...bridge.BridgeOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.bridgeOptions = append(cfg.bridgeOptions, opts...)
	}
}
