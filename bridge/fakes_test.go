package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/stretchr/testify/mock"
)

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        messaging.Message
}

// fakePublisher records messages and optionally fails or reacts to them
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
	onPublish func(msg messaging.Message)
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
	p.mu.Lock()
	err := p.err
	hook := p.onPublish
	if err == nil {
		p.published = append(p.published, publishedMessage{Exchange: exchange, RoutingKey: routingKey, Msg: msg})
	}
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.published...)
}

// mockSubscriber keeps the handler it was given so tests can push replies
type mockSubscriber struct {
	mock.Mock
	mu       sync.Mutex
	handlers map[string]messaging.DeliveryHandler
}

func (m *mockSubscriber) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	m.mu.Lock()
	if m.handlers == nil {
		m.handlers = make(map[string]messaging.DeliveryHandler)
	}
	m.handlers[queue] = handler
	m.mu.Unlock()
	args := m.Called(ctx, queue, options)
	return args.Error(0)
}

func (m *mockSubscriber) Unsubscribe(queue string) error {
	m.mu.Lock()
	delete(m.handlers, queue)
	m.mu.Unlock()
	args := m.Called(queue)
	return args.Error(0)
}

func (m *mockSubscriber) Close() error { return nil }

func (m *mockSubscriber) deliver(queue string, d messaging.Delivery) error {
	m.mu.Lock()
	handler := m.handlers[queue]
	m.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(context.Background(), d)
}

// fakeDelivery records how it was settled
type fakeDelivery struct {
	mu            sync.Mutex
	body          []byte
	correlationID string
	replyTo       string
	contentType   string
	redelivered   bool
	headers       map[string]interface{}

	acked    int
	rejected int
	requeued int
}

func newReplyDelivery(correlationID string, body string) *fakeDelivery {
	return &fakeDelivery{
		body:          []byte(body),
		correlationID: correlationID,
		contentType:   "application/json",
	}
}

func (d *fakeDelivery) Body() []byte                    { return d.body }
func (d *fakeDelivery) ContentType() string             { return d.contentType }
func (d *fakeDelivery) CorrelationID() string           { return d.correlationID }
func (d *fakeDelivery) ReplyTo() string                 { return d.replyTo }
func (d *fakeDelivery) Redelivered() bool               { return d.redelivered }
func (d *fakeDelivery) Headers() map[string]interface{} { return d.headers }

func (d *fakeDelivery) Acknowledge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked++
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected++
	if requeue {
		d.requeued++
	}
	return nil
}

func (d *fakeDelivery) settled() (acked, rejected, requeued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.rejected, d.requeued
}

// redeliver returns the copy the broker would hand out after a requeue
func (d *fakeDelivery) redeliver() *fakeDelivery {
	return &fakeDelivery{
		body:          d.body,
		correlationID: d.correlationID,
		replyTo:       d.replyTo,
		contentType:   d.contentType,
		redelivered:   true,
		headers:       d.headers,
	}
}

// recordingMetrics counts outcomes
type recordingMetrics struct {
	mu         sync.Mutex
	dispatched int
	outcomes   map[string]int
	unmatched  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		outcomes:  make(map[string]int),
		unmatched: make(map[string]int),
	}
}

func (r *recordingMetrics) IncrementDispatched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched++
}

func (r *recordingMetrics) RecordOutcome(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *recordingMetrics) IncrementUnmatched(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmatched[action]++
}

func (r *recordingMetrics) outcome(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[name]
}

func (r *recordingMetrics) unmatchedCount(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unmatched[action]
}
