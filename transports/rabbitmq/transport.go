package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger for every transport component
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker, retrying until ctx ends
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.ConnectWithRetry(ctx); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	// the bridge and worker settle every delivery themselves
	consOpts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(cfg.Logger),
		rabbitmq.WithAckStrategy(rabbitmq.AckManual),
	}, cfg.ConsumerOptions...)

	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(pool, consOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		logger:    cfg.Logger,
	}, nil
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{publisher: t.publisher}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriberAdapter{consumer: t.consumer}
}

// DeclareTopology implements messaging.Transport
func (t *Transport) DeclareTopology(ctx context.Context, topology messaging.Topology) error {
	if err := t.topology.DeclareTopology(ctx, convertTopology(topology)); err != nil {
		return err
	}
	t.logger.Info("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))
	return nil
}

// AddStateListener observes connection state changes
func (t *Transport) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	t.manager.AddStateListener(listener)
}

// Close stops every consumer and closes the connection
func (t *Transport) Close() error {
	_ = t.consumer.UnsubscribeAll()
	_ = t.pool.Close()
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// QueueDepth returns the ready message and consumer counts of an existing queue
func (t *Transport) QueueDepth(ctx context.Context, queue string) (messages, consumers int, err error) {
	q, err := t.topology.GetQueueInfo(ctx, queue)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

func convertTopology(topology messaging.Topology) rabbitmq.Topology {
	var out rabbitmq.Topology
	for _, ex := range topology.Exchanges {
		kind := ex.Kind
		if kind == "" {
			kind = amqp.ExchangeTopic
		}
		out.Exchanges = append(out.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:       ex.Name,
			Type:       kind,
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
		})
	}
	for _, q := range topology.Queues {
		decl := rabbitmq.QueueDeclaration{
			Name:       q.Name,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
		}
		if len(q.Args) > 0 {
			decl.Arguments = amqp.Table(copyHeaders(q.Args))
		}
		if q.MessageTTL > 0 {
			decl = decl.WithMessageTTL(q.MessageTTL)
		}
		out.Queues = append(out.Queues, decl)
	}
	for _, b := range topology.Bindings {
		out.Bindings = append(out.Bindings, rabbitmq.Binding{
			Queue:      b.Queue,
			Exchange:   b.Exchange,
			RoutingKey: b.RoutingKey,
		})
	}
	return out
}

// publisherAdapter adapts RabbitMQ publisher to TransportPublisher
type publisherAdapter struct {
	publisher *rabbitmq.Publisher
}

// Publish implements TransportPublisher
func (p *publisherAdapter) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
	return p.publisher.Publish(ctx, exchange, routingKey, toPublishing(msg))
}

// Close implements TransportPublisher
func (p *publisherAdapter) Close() error {
	return p.publisher.Close()
}

func toPublishing(msg messaging.Message) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Body:          msg.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
	}
	if msg.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(msg.Expiration.Milliseconds(), 10)
	}
	if len(msg.Headers) > 0 {
		pub.Headers = amqp.Table(copyHeaders(msg.Headers))
	}
	return pub
}

// subscriberAdapter adapts RabbitMQ consumer to TransportSubscriber
type subscriberAdapter struct {
	consumer *rabbitmq.Consumer
}

// Subscribe implements TransportSubscriber
func (s *subscriberAdapter) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	return s.consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, &deliveryAdapter{delivery: d})
	}, rabbitmq.SubscribeOptions{
		PrefetchCount: options.PrefetchCount,
		Exclusive:     options.Exclusive,
		ConsumerTag:   options.ConsumerTag,
		Concurrency:   options.Concurrency,
	})
}

// Unsubscribe implements TransportSubscriber
func (s *subscriberAdapter) Unsubscribe(queue string) error {
	return s.consumer.Unsubscribe(queue)
}

// Close implements TransportSubscriber
func (s *subscriberAdapter) Close() error {
	return s.consumer.UnsubscribeAll()
}

// deliveryAdapter adapts amqp.Delivery to messaging.Delivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

func (d *deliveryAdapter) Body() []byte          { return d.delivery.Body }
func (d *deliveryAdapter) ContentType() string   { return d.delivery.ContentType }
func (d *deliveryAdapter) CorrelationID() string { return d.delivery.CorrelationId }
func (d *deliveryAdapter) ReplyTo() string       { return d.delivery.ReplyTo }
func (d *deliveryAdapter) Redelivered() bool     { return d.delivery.Redelivered }

// Headers implements messaging.Delivery
func (d *deliveryAdapter) Headers() map[string]interface{} {
	return copyHeaders(d.delivery.Headers)
}

// Acknowledge implements messaging.Delivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements messaging.Delivery
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}

func copyHeaders(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
