package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for the broker's confirmation
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a confirmation when the context
// carries no deadline
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes unroutable messages fail instead of being dropped
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and blocks until the broker acks it, nacks it, returns
// it as unroutable, or ctx ends. It makes a single attempt.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	fail := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  p.mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	if err := ch.EnableConfirms(); err != nil {
		p.pool.Discard(ch)
		return fail(fmt.Errorf("failed to enable confirms: %w", err))
	}

	var returns <-chan amqp.Return
	if p.mandatory {
		returns = ch.Returns()
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, p.mandatory, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return fail(err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		// a late return would be attributed to the next publish
		p.pool.Discard(ch)
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(ErrPublishTimeout)
		}
		return fail(err)
	}

	// the broker sends basic.return before the ack of the same message
	select {
	case ret := <-returns:
		p.pool.Put(ch)
		return fail(fmt.Errorf("%w: %s", ErrMandatoryFailed, ret.ReplyText))
	default:
		p.pool.Put(ch)
	}

	if !acked {
		return fail(ErrPublishNotConfirmed)
	}

	p.logger.Debug("message confirmed",
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", msg.CorrelationId)
	return nil
}

// Mandatory reports whether unroutable messages fail the publish
func (p *Publisher) Mandatory() bool {
	return p.mandatory
}

// Close is a no-op; channels belong to the pool
func (p *Publisher) Close() error {
	return nil
}
