package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishFunc func(ctx context.Context, exchange, routingKey string, msg messaging.Message) error

func (f publishFunc) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
	return f(ctx, exchange, routingKey, msg)
}

func (f publishFunc) Close() error { return nil }

func newTestDispatcher(publisher messaging.TransportPublisher, cfg DispatcherConfig) (*PendingTable, *Dispatcher) {
	table := NewPendingTable(0)
	supervisor := NewTimeoutSupervisor(table, nil)
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "v1.api"
	}
	if cfg.ReplyTo == "" {
		cfg.ReplyTo = DefaultReplyQueue
	}
	return table, NewDispatcher(table, supervisor, publisher, cfg)
}

func TestDispatcherDispatch(t *testing.T) {
	t.Run("publishes the request with correlation metadata", func(t *testing.T) {
		pub := &fakePublisher{}
		metrics := newRecordingMetrics()
		table, d := newTestDispatcher(pub, DispatcherConfig{Metrics: metrics})

		call, err := d.Dispatch(context.Background(), []byte(`{"text":"hello"}`))
		require.NoError(t, err)
		require.NotNil(t, call)

		msgs := pub.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "api", msgs[0].Exchange)
		assert.Equal(t, "v1.api", msgs[0].RoutingKey)
		assert.Equal(t, call.ID, msgs[0].Msg.CorrelationID)
		assert.Equal(t, call.ID, msgs[0].Msg.MessageID)
		assert.Equal(t, "response.api.q", msgs[0].Msg.ReplyTo)
		assert.Equal(t, "application/json", msgs[0].Msg.ContentType)
		assert.JSONEq(t, `{"text":"hello"}`, string(msgs[0].Msg.Body))

		assert.Equal(t, 1, table.Size())
		assert.Equal(t, 1, metrics.dispatched)
		_, done := call.Result()
		assert.False(t, done)
	})

	t.Run("call options override the defaults", func(t *testing.T) {
		pub := &fakePublisher{}
		_, d := newTestDispatcher(pub, DispatcherConfig{})

		_, err := d.Dispatch(context.Background(), []byte("ping"),
			WithRoutingKey("v2.api"),
			WithContentType("text/plain"),
			WithHeaders(map[string]interface{}{"tenant": "acme"}),
			WithTimeout(time.Minute),
		)
		require.NoError(t, err)

		msgs := pub.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "v2.api", msgs[0].RoutingKey)
		assert.Equal(t, "text/plain", msgs[0].Msg.ContentType)
		assert.Equal(t, "acme", msgs[0].Msg.Headers["tenant"])
	})

	t.Run("publish failure resolves the call and removes the entry", func(t *testing.T) {
		cause := errors.New("connection refused")
		pub := &fakePublisher{err: cause}
		metrics := newRecordingMetrics()
		table, d := newTestDispatcher(pub, DispatcherConfig{Metrics: metrics})

		call, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)

		result, done := call.Result()
		require.True(t, done)
		assert.True(t, IsPublishFailed(result.Err))
		assert.ErrorIs(t, result.Err, cause)

		var perr *PublishError
		require.ErrorAs(t, result.Err, &perr)
		assert.Equal(t, call.ID, perr.ID)
		assert.Equal(t, "v1.api", perr.RoutingKey)

		assert.Equal(t, 0, table.Size())
		assert.Equal(t, 1, metrics.outcome(OutcomePublishFailed))
	})

	t.Run("duplicate id is rejected without touching the first request", func(t *testing.T) {
		pub := &fakePublisher{}
		ids := IDGeneratorFunc(func() string { return "fixed" })
		table, d := newTestDispatcher(pub, DispatcherConfig{IDs: ids})

		first, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)

		second, err := d.Dispatch(context.Background(), []byte("{}"))
		assert.Nil(t, second)
		assert.ErrorIs(t, err, ErrDuplicateID)

		assert.Equal(t, 1, table.Size())
		assert.Len(t, pub.messages(), 1)
		_, done := first.Result()
		assert.False(t, done)
	})

	t.Run("full table rejects new requests", func(t *testing.T) {
		pub := &fakePublisher{}
		table := NewPendingTable(1)
		d := NewDispatcher(table, NewTimeoutSupervisor(table, nil), pub, DispatcherConfig{RoutingKey: "v1.api"})

		_, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)

		_, err = d.Dispatch(context.Background(), []byte("{}"))
		assert.ErrorIs(t, err, ErrTooManyPending)
		assert.Len(t, pub.messages(), 1)
	})

	t.Run("retry policy retries within the deadline", func(t *testing.T) {
		var attempts int32
		pub := publishFunc(func(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("channel closed")
			}
			return nil
		})
		table, d := newTestDispatcher(pub, DispatcherConfig{
			RetryPolicy: reliability.NewFixedDelay(5*time.Millisecond, 2),
		})

		call, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)

		_, done := call.Result()
		assert.False(t, done)
		assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
		assert.Equal(t, 1, table.Size())
	})

	t.Run("open circuit fails the publish", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Minute))
		failing := &fakePublisher{err: errors.New("nack")}
		_, d := newTestDispatcher(failing, DispatcherConfig{CircuitBreaker: cb})

		_, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)
		require.Equal(t, reliability.StateOpen, cb.GetState())

		call, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)

		result, done := call.Result()
		require.True(t, done)
		assert.True(t, IsPublishFailed(result.Err))
		assert.ErrorIs(t, result.Err, reliability.ErrCircuitOpen)
	})

	t.Run("publish is bounded by the request deadline", func(t *testing.T) {
		pub := publishFunc(func(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
			<-ctx.Done()
			return ctx.Err()
		})
		table, d := newTestDispatcher(pub, DispatcherConfig{})

		start := time.Now()
		call, err := d.Dispatch(context.Background(), []byte("{}"), WithTimeout(50*time.Millisecond))
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)

		select {
		case <-call.Done():
		case <-time.After(time.Second):
			t.Fatal("call never completed")
		}
		result, _ := call.Result()
		assert.Error(t, result.Err)
		assert.Equal(t, 0, table.Size())
	})

	t.Run("call timeout is capped at the reply TTL", func(t *testing.T) {
		table, d := newTestDispatcher(&fakePublisher{}, DispatcherConfig{ReplyTTL: 50 * time.Millisecond})

		call, err := d.Dispatch(context.Background(), []byte("{}"), WithTimeout(time.Hour))
		require.NoError(t, err)

		select {
		case <-call.Done():
		case <-time.After(time.Second):
			t.Fatal("call outlived the reply TTL")
		}
		result, _ := call.Result()
		var terr *TimeoutError
		require.ErrorAs(t, result.Err, &terr)
		assert.Equal(t, 50*time.Millisecond, terr.Timeout)
		assert.Equal(t, 0, table.Size())
	})

	t.Run("timeouts within the reply TTL are kept", func(t *testing.T) {
		table, d := newTestDispatcher(&fakePublisher{}, DispatcherConfig{ReplyTTL: time.Minute})

		call, err := d.Dispatch(context.Background(), []byte("{}"), WithTimeout(30*time.Second))
		require.NoError(t, err)

		p, ok := table.Take(call.ID)
		require.True(t, ok)
		assert.Equal(t, 30*time.Second, p.Timeout)
	})
}

func TestDispatcherForget(t *testing.T) {
	t.Run("resolves a pending request as abandoned", func(t *testing.T) {
		pub := &fakePublisher{}
		metrics := newRecordingMetrics()
		table, d := newTestDispatcher(pub, DispatcherConfig{Metrics: metrics})

		call, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)

		assert.True(t, d.Forget(call.ID, context.Canceled))
		assert.Equal(t, 0, table.Size())

		result, done := call.Result()
		require.True(t, done)
		assert.ErrorIs(t, result.Err, ErrAbandoned)
		assert.ErrorIs(t, result.Err, context.Canceled)
		assert.Equal(t, 1, metrics.outcome(OutcomeAbandoned))
	})

	t.Run("reports false once the request is resolved", func(t *testing.T) {
		_, d := newTestDispatcher(&fakePublisher{}, DispatcherConfig{})

		call, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)

		assert.True(t, d.Forget(call.ID, nil))
		assert.False(t, d.Forget(call.ID, nil))
		assert.False(t, d.Forget("unknown", nil))
	})
}

func TestDispatcherClose(t *testing.T) {
	pub := &fakePublisher{}
	metrics := newRecordingMetrics()
	table, d := newTestDispatcher(pub, DispatcherConfig{Metrics: metrics})

	calls := make([]*Call, 0, 3)
	for i := 0; i < 3; i++ {
		call, err := d.Dispatch(context.Background(), []byte("{}"))
		require.NoError(t, err)
		calls = append(calls, call)
	}

	assert.Equal(t, 3, d.Close())
	assert.Equal(t, 0, table.Size())
	for _, call := range calls {
		result, done := call.Result()
		require.True(t, done)
		assert.ErrorIs(t, result.Err, ErrBridgeClosed)
	}
	assert.Equal(t, 3, metrics.outcome(OutcomeClosed))

	_, err := d.Dispatch(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, ErrBridgeClosed)
	assert.Len(t, pub.messages(), 3)
}
