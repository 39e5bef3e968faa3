package redisstream_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/adapter/redisstream"
)

// setupBus starts a miniredis server, a bus connected to it, and a raw
// client for stream-level assertions.
func setupBus(t *testing.T, mutate func(*redisstream.Config)) (*redis.Client, *redisstream.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := redisstream.Defaults()
	cfg.Addr = mr.Addr()
	cfg.Block = 50 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	bus, err := redisstream.NewBus(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, bus
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, redisstream.Defaults().Validate())

	cfg := redisstream.Defaults()
	cfg.Addr = ""
	require.Error(t, cfg.Validate())

	cfg = redisstream.Defaults()
	cfg.Group = ""
	require.Error(t, cfg.Validate())

	cfg = redisstream.Defaults()
	cfg.BatchSize = 0
	require.Error(t, cfg.Validate())
}

func TestDefaults(t *testing.T) {
	cfg := redisstream.Defaults()
	assert.Equal(t, "af_group", cfg.Group)
	assert.Equal(t, ".DLQ", cfg.DLQSuffix)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestPublish_AppendsToStream(t *testing.T) {
	client, bus := setupBus(t, nil)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, xcomm.NewMessage("orders", "evt", nil)))
	require.NoError(t, bus.Publish(ctx, xcomm.NewMessage("orders", "evt", nil)))

	n, err := client.XLen(ctx, "orders").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSubscribe_ConsumesPublished(t *testing.T) {
	_, bus := setupBus(t, nil)
	ctx := context.Background()

	got := make(chan *xcomm.Message, 1)
	_, err := bus.Subscribe(ctx, "orders", func(_ context.Context, m *xcomm.Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	msg := xcomm.NewMessage("orders", "evt", map[string]any{"x": float64(1)})
	require.NoError(t, bus.Publish(ctx, msg))

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
		assert.Equal(t, float64(1), m.Payload["x"])
	case <-time.After(3 * time.Second):
		t.Fatal("message not consumed")
	}
}

// The same envelope id delivered twice is handled once; the second
// delivery falls into the de-dup window.
func TestSubscribe_DeduplicatesRedelivery(t *testing.T) {
	_, bus := setupBus(t, nil)
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
		3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), handled.Load())
}

// A handler that keeps failing exhausts its retries, the message lands on
// topic.DLQ exactly once, and the consumer keeps running.
func TestSubscribe_FailingHandlerDeadLetters(t *testing.T) {
	client, bus := setupBus(t, func(cfg *redisstream.Config) {
		cfg.MaxRetries = 1
	})
	ctx := context.Background()

	var attempts atomic.Int64
	_, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error {
		attempts.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, xcomm.NewMessage("orders", "evt", nil)))

	require.Eventually(t, func() bool {
		n, _ := client.XLen(ctx, "orders.DLQ").Result()
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), attempts.Load(), "first attempt plus one retry")

	// The entry was acked despite the failure: nothing left pending.
	pending, err := client.XPending(ctx, "orders", "af_group").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

// A stream entry that is not a valid envelope goes straight to the DLQ and
// is acked, and the loop keeps consuming.
func TestSubscribe_PoisonEntryDeadLetters(t *testing.T) {
	client, bus := setupBus(t, nil)
	ctx := context.Background()

	got := make(chan *xcomm.Message, 1)
	_, err := bus.Subscribe(ctx, "orders", func(_ context.Context, m *xcomm.Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	_, err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: "orders",
		ID:     "*",
		Values: map[string]any{"data": "{not an envelope"},
	}).Result()
	require.NoError(t, err)

	msg := xcomm.NewMessage("orders", "evt", nil)
	require.NoError(t, bus.Publish(ctx, msg))

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer died on poison entry")
	}
	require.Eventually(t, func() bool {
		n, _ := client.XLen(ctx, "orders.DLQ").Result()
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDrainDLQ_ReplaysEntries(t *testing.T) {
	client, bus := setupBus(t, func(cfg *redisstream.Config) {
		cfg.MaxRetries = 0
	})
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	msg := xcomm.NewMessage("orders", "evt", map[string]any{"x": float64(7)})
	require.NoError(t, bus.Publish(ctx, msg))
	require.Eventually(t, func() bool {
		n, _ := client.XLen(ctx, "orders.DLQ").Result()
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)

	var drained []*xcomm.Message
	n, err := bus.DrainDLQ(ctx, "orders", func(_ context.Context, m *xcomm.Message) error {
		drained = append(drained, m)
		return nil
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, drained, 1)
	assert.Equal(t, msg.ID, drained[0].ID)
	assert.Equal(t, "orders.DLQ", drained[0].Topic)
	assert.Equal(t, "orders", drained[0].Headers["x-dlq-topic"])
	assert.Equal(t, float64(7), drained[0].Payload["x"])
}

func TestDrainDLQ_StopsOnHandlerError(t *testing.T) {
	client, bus := setupBus(t, func(cfg *redisstream.Config) {
		cfg.MaxRetries = 0
	})
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, xcomm.NewMessage("orders", "evt", nil)))
	}
	require.Eventually(t, func() bool {
		n, _ := client.XLen(ctx, "orders.DLQ").Result()
		return n == 3
	}, 3*time.Second, 10*time.Millisecond)

	calls := 0
	stop := errors.New("stop")
	n, err := bus.DrainDLQ(ctx, "orders", func(context.Context, *xcomm.Message) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	}, 10)
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestUnsubscribe_LastHandlerStopsConsumer(t *testing.T) {
	client, bus := setupBus(t, nil)
	ctx := context.Background()

	var handled atomic.Int64
	id, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(ctx, id))

	require.NoError(t, bus.Publish(ctx, xcomm.NewMessage("orders", "evt", nil)))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, handled.Load())

	// The entry is still in the stream, waiting for a future consumer.
	n, err := client.XLen(ctx, "orders").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// The reply inbox created by a request is single-use: once the call
// completes, neither its stream nor its consumer group remains in Redis.
func TestRequest_CleansUpReplyInbox(t *testing.T) {
	client, bus := setupBus(t, nil)
	ctx := context.Background()

	_, err := xcomm.HandleRPC(ctx, bus, "svc.add", func(_ context.Context, req *xcomm.Message) (*xcomm.Message, error) {
		return xcomm.NewReply(req, "add.reply", map[string]any{"ok": true}), nil
	})
	require.NoError(t, err)

	req := xcomm.NewMessage("svc.add", "add", nil)
	reply, err := bus.Request(ctx, "svc.add", req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.ID, reply.CorrelationID)

	keys, err := client.Keys(ctx, "_INBOX.*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// Ordinary topics keep their stream and group across unsubscribe so a
// resubscribe resumes; only reply inboxes are removed.
func TestUnsubscribe_KeepsOrdinaryTopicStream(t *testing.T) {
	client, bus := setupBus(t, nil)
	ctx := context.Background()

	id, err := bus.Subscribe(ctx, "orders", func(context.Context, *xcomm.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(ctx, id))

	groups, err := client.XInfoGroups(ctx, "orders").Result()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "af_group", groups[0].Name)
}

func TestClosedBus_RejectsOperations(t *testing.T) {
	_, bus := setupBus(t, nil)
	require.NoError(t, bus.Close(context.Background()))

	assert.ErrorIs(t, bus.Publish(context.Background(), xcomm.NewMessage("orders", "evt", nil)), xcomm.ErrBusClosed)
	_, err := bus.Subscribe(context.Background(), "orders", func(context.Context, *xcomm.Message) error { return nil })
	assert.ErrorIs(t, err, xcomm.ErrBusClosed)
	_, err = bus.DrainDLQ(context.Background(), "orders", func(context.Context, *xcomm.Message) error { return nil }, 1)
	assert.ErrorIs(t, err, xcomm.ErrBusClosed)
}
