package mmate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
	"github.com/glimte/mmate-rpc/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTransport routes messages through bindings to subscribed handlers
type memoryTransport struct {
	mu           sync.Mutex
	handlers     map[string]messaging.DeliveryHandler
	bindings     map[string]string
	declared     []messaging.Topology
	declareErr   error
	closed       bool
	disconnected bool
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		handlers: make(map[string]messaging.DeliveryHandler),
		bindings: make(map[string]string),
	}
}

func (m *memoryTransport) Publisher() messaging.TransportPublisher   { return (*memoryPublisher)(m) }
func (m *memoryTransport) Subscriber() messaging.TransportSubscriber { return (*memorySubscriber)(m) }

func (m *memoryTransport) DeclareTopology(ctx context.Context, topology messaging.Topology) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.declareErr != nil {
		return m.declareErr
	}
	m.declared = append(m.declared, topology)
	for _, b := range topology.Bindings {
		m.bindings[b.Exchange+"|"+b.RoutingKey] = b.Queue
	}
	return nil
}

func (m *memoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disconnected
}

func (m *memoryTransport) deliver(queue string, d *memoryDelivery) {
	m.mu.Lock()
	handler := m.handlers[queue]
	m.mu.Unlock()
	if handler == nil {
		return
	}
	go func() { _ = handler(context.Background(), d) }()
}

type memoryPublisher memoryTransport

func (p *memoryPublisher) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
	m := (*memoryTransport)(p)
	queue := routingKey
	if exchange != "" {
		m.mu.Lock()
		queue = m.bindings[exchange+"|"+routingKey]
		m.mu.Unlock()
	}
	m.deliver(queue, &memoryDelivery{transport: m, queue: queue, msg: msg})
	return nil
}

func (p *memoryPublisher) Close() error { return nil }

type memorySubscriber memoryTransport

func (s *memorySubscriber) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	m := (*memoryTransport)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = handler
	return nil
}

func (s *memorySubscriber) Unsubscribe(queue string) error {
	m := (*memoryTransport)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, queue)
	return nil
}

func (s *memorySubscriber) Close() error { return nil }

type memoryDelivery struct {
	transport   *memoryTransport
	queue       string
	msg         messaging.Message
	redelivered bool
}

func (d *memoryDelivery) Body() []byte                    { return d.msg.Body }
func (d *memoryDelivery) ContentType() string             { return d.msg.ContentType }
func (d *memoryDelivery) CorrelationID() string           { return d.msg.CorrelationID }
func (d *memoryDelivery) ReplyTo() string                 { return d.msg.ReplyTo }
func (d *memoryDelivery) Redelivered() bool               { return d.redelivered }
func (d *memoryDelivery) Headers() map[string]interface{} { return d.msg.Headers }
func (d *memoryDelivery) Acknowledge() error              { return nil }

func (d *memoryDelivery) Reject(requeue bool) error {
	if requeue {
		d.transport.deliver(d.queue, &memoryDelivery{transport: d.transport, queue: d.queue, msg: d.msg, redelivered: true})
	}
	return nil
}

// inspectableTransport also reports request queue depth
type inspectableTransport struct {
	*memoryTransport
	consumers int
}

func (t inspectableTransport) QueueDepth(ctx context.Context, queue string) (int, int, error) {
	return 0, t.consumers, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.API.Version = 1
	cfg.Bridge.RequestTimeout = time.Second
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientRequestRoundTrip(t *testing.T) {
	cfg := testConfig()
	transport := newMemoryTransport()

	client, err := NewClientWithTransport(context.Background(), cfg, transport, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	echo := worker.NewEchoWorker(transport.Publisher(), transport.Subscriber(), cfg.RequestQueue(),
		worker.WithWorkDelay(20*time.Millisecond), worker.WithLogger(quietLogger()))
	require.NoError(t, echo.Start(context.Background()))

	reply, err := client.Request(context.Background(), []byte(`{"hello":"world"}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"received":{"hello":"world"}}`, string(reply.Body))
	assert.Equal(t, worker.ReplyContentType, reply.ContentType)
	assert.NotEmpty(t, reply.CorrelationID)
	assert.Zero(t, client.Bridge().GetPendingRequestCount())

	summary := client.Metrics().GetMetricsSummary()
	assert.Equal(t, int64(1), summary.Dispatched)
	assert.Equal(t, int64(1), summary.Outcomes[bridge.OutcomeReplied].Count)
}

func TestClientConcurrentRequests(t *testing.T) {
	cfg := testConfig()
	transport := newMemoryTransport()

	client, err := NewClientWithTransport(context.Background(), cfg, transport, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	echo := worker.NewEchoWorker(transport.Publisher(), transport.Subscriber(), cfg.RequestQueue(),
		worker.WithWorkDelay(time.Millisecond), worker.WithLogger(quietLogger()))
	require.NoError(t, echo.Start(context.Background()))

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Request(context.Background(), []byte(`{}`))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, client.Bridge().GetPendingRequestCount())
}

func TestClientRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.RequestTimeout = 100 * time.Millisecond

	client, err := NewClientWithTransport(context.Background(), cfg, newMemoryTransport(), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	start := time.Now()
	_, err = client.Request(context.Background(), []byte(`{}`))

	assert.True(t, bridge.IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), client.Metrics().GetMetricsSummary().Outcomes[bridge.OutcomeTimedOut].Count)
}

func TestNewClientWithTransport(t *testing.T) {
	t.Run("declares the full topology", func(t *testing.T) {
		cfg := testConfig()
		transport := newMemoryTransport()

		client, err := NewClientWithTransport(context.Background(), cfg, transport, WithLogger(quietLogger()))
		require.NoError(t, err)
		defer client.Close()

		require.Len(t, transport.declared, 1)
		assert.Equal(t, Topology(cfg), transport.declared[0])
		assert.Equal(t, cfg, client.Config())
		assert.Equal(t, messaging.Transport(transport), client.Transport())
	})

	t.Run("rejects nil arguments", func(t *testing.T) {
		_, err := NewClientWithTransport(context.Background(), nil, newMemoryTransport())
		assert.Error(t, err)

		_, err = NewClientWithTransport(context.Background(), testConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("topology failure", func(t *testing.T) {
		transport := newMemoryTransport()
		transport.declareErr = errors.New("access refused")

		_, err := NewClientWithTransport(context.Background(), testConfig(), transport, WithLogger(quietLogger()))
		assert.ErrorContains(t, err, "access refused")
	})

	t.Run("bridge options apply after config", func(t *testing.T) {
		transport := newMemoryTransport()
		client, err := NewClientWithTransport(context.Background(), testConfig(), transport,
			WithLogger(quietLogger()),
			WithBridgeOptions(bridge.WithReplyQueue("custom.reply.q")))
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, "custom.reply.q", client.Bridge().ReplyQueue())
	})

	t.Run("health reflects the broker connection", func(t *testing.T) {
		transport := newMemoryTransport()
		client, err := NewClientWithTransport(context.Background(), testConfig(), transport, WithLogger(quietLogger()))
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, health.StatusHealthy, client.Health().Check(context.Background()).Status)

		transport.mu.Lock()
		transport.disconnected = true
		transport.mu.Unlock()
		assert.Equal(t, health.StatusUnhealthy, client.Health().Check(context.Background()).Status)
	})

	t.Run("queue depth is checked when the transport reports it", func(t *testing.T) {
		transport := inspectableTransport{memoryTransport: newMemoryTransport()}
		client, err := NewClientWithTransport(context.Background(), testConfig(), transport, WithLogger(quietLogger()))
		require.NoError(t, err)
		defer client.Close()

		overall := client.Health().Check(context.Background())
		require.Contains(t, overall.Checks, "request_queue")
		assert.Equal(t, health.StatusDegraded, overall.Status)
		assert.Equal(t, "v1.api.q", overall.Checks["request_queue"].Details["queue"])
	})

	t.Run("Close closes the transport", func(t *testing.T) {
		transport := newMemoryTransport()
		client, err := NewClientWithTransport(context.Background(), testConfig(), transport, WithLogger(quietLogger()))
		require.NoError(t, err)

		require.NoError(t, client.Close())
		assert.True(t, transport.closed)

		_, err = client.Request(context.Background(), []byte(`{}`))
		assert.ErrorIs(t, err, bridge.ErrBridgeClosed)
	})
}

func TestTopology(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.ReplyTTL = 15 * time.Second

	topology := Topology(cfg)

	require.Len(t, topology.Exchanges, 1)
	assert.Equal(t, "api", topology.Exchanges[0].Name)
	assert.Equal(t, "topic", topology.Exchanges[0].Kind)
	assert.True(t, topology.Exchanges[0].Durable)
	assert.False(t, topology.Exchanges[0].AutoDelete)

	require.Len(t, topology.Queues, 2)
	assert.Equal(t, "v1.api.q", topology.Queues[0].Name)
	assert.Equal(t, "response.api.q", topology.Queues[1].Name)
	assert.Equal(t, 15*time.Second, topology.Queues[1].MessageTTL)

	assert.Equal(t, []messaging.BindingSpec{{Queue: "v1.api.q", Exchange: "api", RoutingKey: "v1.api"}}, topology.Bindings)

	workerTopology := WorkerTopology(cfg)
	require.Len(t, workerTopology.Queues, 1)
	assert.Equal(t, "v1.api.q", workerTopology.Queues[0].Name)
	assert.Equal(t, topology.Bindings, workerTopology.Bindings)
}

func TestClientTimeOrderedIDs(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.TimeOrderedIDs = true
	transport := newMemoryTransport()

	client, err := NewClientWithTransport(context.Background(), cfg, transport, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	echo := worker.NewEchoWorker(transport.Publisher(), transport.Subscriber(), cfg.RequestQueue(),
		worker.WithWorkDelay(time.Millisecond), worker.WithLogger(quietLogger()))
	require.NoError(t, echo.Start(context.Background()))

	reply, err := client.Request(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	id, err := uuid.Parse(reply.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestDialOptions(t *testing.T) {
	publisherFor := func(cfg *config.Config) *rabbitmq.Publisher {
		tc := &rabbitmqTransport.TransportConfig{}
		for _, opt := range dialOptions(cfg, quietLogger()) {
			opt(tc)
		}
		return rabbitmq.NewPublisher(nil, tc.PublisherOptions...)
	}

	t.Run("publishes mandatory by default", func(t *testing.T) {
		assert.True(t, publisherFor(testConfig()).Mandatory())
	})

	t.Run("broker mandatory can be turned off", func(t *testing.T) {
		cfg := testConfig()
		cfg.Broker.Mandatory = false
		assert.False(t, publisherFor(cfg).Mandatory())
	})

	t.Run("pool and connection settings are passed through", func(t *testing.T) {
		tc := &rabbitmqTransport.TransportConfig{}
		for _, opt := range dialOptions(testConfig(), quietLogger()) {
			opt(tc)
		}
		assert.Len(t, tc.ConnectionOptions, 1)
		assert.Len(t, tc.PoolOptions, 1)
		assert.Len(t, tc.PublisherOptions, 2)
		assert.NotNil(t, tc.Logger)
	})
}
