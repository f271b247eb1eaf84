package messaging

import (
	"context"
	"time"
)

// Message is an outbound message handed to a transport publisher
type Message struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	// Expiration is the per-message TTL; zero leaves it to the queue
	Expiration time.Duration
	Headers    map[string]interface{}
}

// TransportPublisher defines the interface for publishing messages through a transport
type TransportPublisher interface {
	// Publish sends a message and waits for the broker to confirm it
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error

	// Close closes the publisher
	Close() error
}

// DeliveryHandler processes a single delivery. The handler owns the
// acknowledgement of the delivery.
type DeliveryHandler func(ctx context.Context, delivery Delivery) error

// TransportSubscriber defines the interface for subscribing to messages through a transport
type TransportSubscriber interface {
	// Subscribe registers a handler for messages on a specific queue
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler, options SubscriptionOptions) error

	// Unsubscribe removes a subscription
	Unsubscribe(queue string) error

	// Close closes the subscriber
	Close() error
}

// Delivery represents a message delivery from the transport
type Delivery interface {
	// Body returns the message body
	Body() []byte

	// ContentType returns the content type property
	ContentType() string

	// CorrelationID returns the correlation id property
	CorrelationID() string

	// ReplyTo returns the reply-to property
	ReplyTo() string

	// Redelivered reports whether the broker delivered this message before
	Redelivered() bool

	// Headers returns message headers
	Headers() map[string]interface{}

	// Acknowledge marks the message as successfully processed
	Acknowledge() error

	// Reject rejects the message with optional requeue
	Reject(requeue bool) error
}

// Transport provides both publisher and subscriber functionality
type Transport interface {
	// Publisher returns a transport publisher
	Publisher() TransportPublisher

	// Subscriber returns a transport subscriber
	Subscriber() TransportSubscriber

	// DeclareTopology declares exchanges, queues and bindings
	DeclareTopology(ctx context.Context, topology Topology) error

	// Close closes all resources
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// SubscriptionOptions configures a subscription
type SubscriptionOptions struct {
	PrefetchCount int
	Exclusive     bool
	ConsumerTag   string
	// Concurrency is the number of handler goroutines; zero means one
	Concurrency int
}

// ExchangeSpec describes an exchange to declare
type ExchangeSpec struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueSpec describes a queue to declare
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// MessageTTL sets x-message-ttl when positive
	MessageTTL time.Duration
	Args       map[string]interface{}
}

// BindingSpec binds a queue to an exchange
type BindingSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the set of broker objects a process needs
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}
