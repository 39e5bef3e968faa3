package natsjs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xcomm"
)

func TestDurableName(t *testing.T) {
	assert.Equal(t, "orders_created", durableName("orders.created"))
	assert.Equal(t, "a_b_c", durableName("a-b/c"))
	assert.Equal(t, "plain123", durableName("plain123"))
	assert.Equal(t, "orders_created_DLQ", durableName("orders.created.DLQ"))
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "XCOMM", cfg.Stream)
	assert.Equal(t, "xcomm.", cfg.SubjectsPrefix)
	assert.Equal(t, ".DLQ", cfg.DLQSuffix)
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"stream":          "EVENTS",
		"subjects_prefix": "ev.",
		"max_retries":     1,
	})
	assert.Equal(t, "EVENTS", cfg.Stream)
	assert.Equal(t, "ev.", cfg.SubjectsPrefix)
	assert.Equal(t, 1, cfg.MaxRetries)
}

// setupBus connects to a local JetStream-enabled server or skips. Each
// test gets its own stream so runs do not interfere.
func setupBus(t *testing.T, mutate func(*Config)) *Bus {
	t.Helper()
	cfg := Defaults()
	cfg.Stream = fmt.Sprintf("XCOMMTEST%d", time.Now().UnixNano())
	cfg.SubjectsPrefix = fmt.Sprintf("xct%d.", time.Now().UnixNano())
	cfg.FetchMaxWait = 200 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	bus, err := NewBus(cfg)
	if err != nil {
		t.Skipf("JetStream not available: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.js.DeleteStream(ctx, cfg.Stream)
		_ = bus.Close(context.Background())
	})
	return bus
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	bus := setupBus(t, nil)
	ctx := context.Background()

	got := make(chan *xcomm.Message, 1)
	_, err := bus.Subscribe(ctx, "orders.created", func(_ context.Context, m *xcomm.Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	msg := xcomm.NewMessage("orders.created", "evt", map[string]any{"x": float64(1)})
	require.NoError(t, bus.Publish(ctx, msg))

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
		assert.Equal(t, float64(1), m.Payload["x"])
	case <-time.After(5 * time.Second):
		t.Fatal("message not consumed")
	}
}

// Messages published before the subscriber exists are still delivered: the
// stream persists them and the durable consumer starts from the beginning.
func TestSubscribe_DeliversBacklog(t *testing.T) {
	bus := setupBus(t, nil)
	ctx := context.Background()

	msg := xcomm.NewMessage("orders", "evt", nil)
	require.NoError(t, bus.Publish(ctx, msg))

	got := make(chan *xcomm.Message, 1)
	_, err := bus.Subscribe(ctx, "orders", func(_ context.Context, m *xcomm.Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("backlog not delivered")
	}
}

func TestSubscribe_FailingHandlerDeadLetters(t *testing.T) {
	bus := setupBus(t, func(cfg *Config) { cfg.MaxRetries = 1 })
	ctx := context.Background()

	var attempts atomic.Int64
	_, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error {
		attempts.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	msg := xcomm.NewMessage("orders", "evt", map[string]any{"x": float64(7)})
	require.NoError(t, bus.Publish(ctx, msg))

	var drained []*xcomm.Message
	require.Eventually(t, func() bool {
		drained = drained[:0]
		n, err := bus.DrainDLQ(ctx, "orders", func(_ context.Context, m *xcomm.Message) error {
			drained = append(drained, m)
			return nil
		}, 10)
		return err == nil && n == 1
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, int64(2), attempts.Load(), "first attempt plus one retry")
	require.Len(t, drained, 1)
	assert.Equal(t, msg.ID, drained[0].ID)
	assert.Equal(t, "orders", drained[0].Headers["x-dlq-topic"])
	assert.Equal(t, float64(7), drained[0].Payload["x"])
}

func TestSubscribe_DeduplicatesRedelivery(t *testing.T) {
	bus := setupBus(t, nil)
	ctx := context.Background()

	var handled atomic.Int64
	_, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	msg := xcomm.NewMessage("orders", "evt", nil)
	require.NoError(t, bus.Publish(ctx, msg))
	require.NoError(t, bus.Publish(ctx, msg))

	require.Eventually(t, func() bool { return handled.Load() >= 1 },
		5*time.Second, 10*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int64(1), handled.Load())
}

func TestUnsubscribe_LastHandlerStopsPuller(t *testing.T) {
	bus := setupBus(t, nil)
	ctx := context.Background()

	var handled atomic.Int64
	id, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(ctx, id))

	require.NoError(t, bus.Publish(ctx, xcomm.NewMessage("orders", "evt", nil)))
	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, handled.Load())
}

// Each request's reply inbox uses an ephemeral consumer that is deleted
// on unsubscribe, so request churn must not accumulate consumers on the
// stream. Only the responder's durable survives the call.
func TestRequest_NoConsumerLeak(t *testing.T) {
	bus := setupBus(t, nil)
	ctx := context.Background()

	_, err := xcomm.HandleRPC(ctx, bus, "svc.add", func(_ context.Context, req *xcomm.Message) (*xcomm.Message, error) {
		return xcomm.NewReply(req, "add.reply", map[string]any{"ok": true}), nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		req := xcomm.NewMessage("svc.add", "add", nil)
		reply, err := bus.Request(ctx, "svc.add", req, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, req.ID, reply.CorrelationID)
	}

	stream, err := bus.js.Stream(ctx, bus.cfg.Stream)
	require.NoError(t, err)
	var names []string
	for name := range stream.ConsumerNames(ctx).Name() {
		names = append(names, name)
	}
	assert.Equal(t, []string{"svc_add"}, names)
}

func TestClosedBus_RejectsOperations(t *testing.T) {
	cfg := Defaults()
	cfg.Stream = fmt.Sprintf("XCOMMTEST%d", time.Now().UnixNano())
	bus, err := NewBus(cfg)
	if err != nil {
		t.Skipf("JetStream not available: %v", err)
	}
	require.NoError(t, bus.Close(context.Background()))

	assert.ErrorIs(t, bus.Publish(context.Background(), xcomm.NewMessage("t", "evt", nil)), xcomm.ErrBusClosed)
	_, err = bus.Subscribe(context.Background(), "t", func(context.Context, *xcomm.Message) error { return nil })
	assert.ErrorIs(t, err, xcomm.ErrBusClosed)
}
