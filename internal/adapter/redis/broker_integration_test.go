package redis

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/chanrelay/internal/adapter/metrics"
	"github.com/pscheid92/chanrelay/internal/bridge"
	"github.com/pscheid92/chanrelay/internal/broadcast"
	"github.com/pscheid92/chanrelay/internal/channel"
	"github.com/pscheid92/chanrelay/internal/domain"
	"github.com/pscheid92/chanrelay/internal/domain/domaintest"
)

func receiveWithTimeout(t *testing.T, sub domain.Subscription) domain.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestBroker_PublishReachesPatternSubscriber(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(setupTestClient(t))

	sub, err := b.PSubscribe(ctx, "websocket:*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, b.Publish(ctx, []domain.Message{
		{Channel: "other:room", Payload: []byte("ignored")},
		{Channel: "websocket:room/1/", Payload: []byte("first")},
		{Channel: "websocket:", Payload: []byte("second")},
	}))

	assert.Equal(t, domain.Message{Channel: "websocket:room/1/", Payload: []byte("first")}, receiveWithTimeout(t, sub))
	assert.Equal(t, domain.Message{Channel: "websocket:", Payload: []byte("second")}, receiveWithTimeout(t, sub))
}

func TestBroker_PublishEmptyBatch(t *testing.T) {
	b := NewBroker(setupTestClient(t))
	assert.NoError(t, b.Publish(context.Background(), nil))
}

func TestBroker_Ping(t *testing.T) {
	b := NewBroker(setupTestClient(t))
	assert.NoError(t, b.Ping(context.Background()))
}

func TestSubscription_ClosedReturnsSentinel(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(setupTestClient(t))

	sub, err := b.PSubscribe(ctx, "websocket:*")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, domain.ErrSubscriptionClosed)
}

func TestSubscription_ReceiveHonoursContext(t *testing.T) {
	b := NewBroker(setupTestClient(t))

	sub, err := b.PSubscribe(context.Background(), "websocket:*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := sub.Receive(ctx)
		errs <- err
	}()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive still blocked after its context expired")
	}
}

func TestSubscription_ReceiveAfterCancelStillDelivers(t *testing.T) {
	b := NewBroker(setupTestClient(t))

	sub, err := b.PSubscribe(context.Background(), "websocket:*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sub.Receive(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, b.Publish(context.Background(), []domain.Message{{Channel: "websocket:room", Payload: []byte("later")}}))
	assert.Equal(t, "later", string(receiveWithTimeout(t, sub).Payload))
}

func TestBridge_RunStopsOnCancelOverRedis(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := channel.NewRegistry(clockwork.NewRealClock())
	dispatcher := broadcast.NewDispatcher(registry, metrics.NewDispatchMetrics(reg))
	b := bridge.New(NewBroker(setupTestClient(t)), dispatcher, bridge.DefaultConfig(), clockwork.NewRealClock(), metrics.NewBrokerMetrics(reg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	require.Eventually(t, b.Listening, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not return after cancellation")
	}
	assert.False(t, b.Listening())
}

func TestMetricsHook_RecordsPipelinePublish(t *testing.T) {
	m := metrics.NewBrokerMetrics(prometheus.NewRegistry())
	b := NewBroker(setupTestClient(t, NewMetricsHook(m), NewCircuitBreakerHook(m)))

	require.NoError(t, b.Publish(context.Background(), []domain.Message{{Channel: "websocket:x", Payload: []byte("1")}}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpsTotal.WithLabelValues("pipeline", "success")))
}

// Two bridges on separate Redis clients behave like two worker processes.
func TestBridge_CrossProcessOverRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := func() (*channel.Registry, *bridge.Bridge) {
		reg := prometheus.NewRegistry()
		m := metrics.NewBrokerMetrics(reg)
		registry := channel.NewRegistry(clockwork.NewRealClock())
		dispatcher := broadcast.NewDispatcher(registry, metrics.NewDispatchMetrics(reg))
		b := bridge.New(NewBroker(setupTestClient(t, NewMetricsHook(m))), dispatcher, bridge.DefaultConfig(), clockwork.NewRealClock(), m)
		b.Start(ctx)
		go func() { _ = b.Run(ctx) }()
		t.Cleanup(func() { _ = b.Stop() })
		require.Eventually(t, b.Listening, 5*time.Second, 10*time.Millisecond)
		return registry, b
	}

	registryA, bridgeA := start()
	registryB, _ := start()

	onA := domaintest.NewConn()
	onB := domaintest.NewConn()
	parentB := domaintest.NewConn()
	registryA.Register("room/1", onA)
	registryB.Register("room/2", onB)
	registryB.Register("room", parentB)

	bridgeA.Publish([]byte("hello"), "room/")

	require.True(t, onA.WaitForSent(1, 5*time.Second))
	require.True(t, onB.WaitForSent(1, 5*time.Second))
	assert.Equal(t, []string{"hello"}, onA.SentStrings())
	assert.Equal(t, []string{"hello"}, onB.SentStrings())
	assert.Empty(t, parentB.Sent())
}
