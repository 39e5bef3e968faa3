// Package redisstream is the durable Redis Streams backend. Each topic is
// a stream with a named consumer group; delivery is at-least-once with
// explicit XACK, bounded retry with fixed backoff, dead-letter placement
// on topic+DLQSuffix, and a bounded in-memory de-dup window per topic.
package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/dedup"
	"github.com/trickstertwo/xcomm/internal/durable"
	"github.com/trickstertwo/xcomm/internal/subs"
)

const BackendName = "redis-streams"

// fieldData holds the JSON envelope inside a stream entry.
const fieldData = "data"

func init() {
	if err := xcomm.RegisterBackend(BackendName, func(cfg map[string]any) (xcomm.Bus, error) {
		return NewBus(ConfigFromMap(cfg))
	}); err != nil {
		panic(err)
	}
}

// consumer owns the background read loop for one topic.
type consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Bus is the Redis Streams implementation of xcomm.Bus.
type Bus struct {
	cfg    Config
	client *redis.Client
	logger *xlog.Logger
	clock  xclock.Clock

	table *subs.Table

	mu        sync.Mutex
	consumers map[string]*consumer

	closed atomic.Bool
}

var _ xcomm.Bus = (*Bus)(nil)

// NewBus connects to Redis and fails fast when the broker is unreachable.
func NewBus(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xcomm.NewTransportError(BackendName, "connect", err)
	}

	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	return &Bus{
		cfg:       cfg,
		client:    client,
		logger:    lg,
		clock:     clk,
		table:     subs.NewTable(),
		consumers: make(map[string]*consumer),
	}, nil
}

func (b *Bus) dlqTopic(topic string) string { return topic + b.cfg.DLQSuffix }

// Subscribe registers h; the first handler for a topic creates the
// consumer group (idempotently) and starts the read loop.
func (b *Bus) Subscribe(ctx context.Context, topic string, h xcomm.Handler) (string, error) {
	if b.closed.Load() {
		return "", xcomm.ErrBusClosed
	}
	id, first := b.table.Add(topic, h)
	if !first {
		return id, nil
	}
	if err := b.startConsumer(ctx, topic); err != nil {
		b.table.Remove(id)
		return "", err
	}
	return id, nil
}

func (b *Bus) startConsumer(ctx context.Context, topic string) error {
	// "$" starts from new messages; BUSYGROUP means it already exists.
	if err := b.client.XGroupCreateMkStream(ctx, topic, b.cfg.Group, "$").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		return xcomm.NewTransportError(BackendName, "xgroup create", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &consumer{cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	b.consumers[topic] = c
	b.mu.Unlock()

	proc := &durable.Processor{
		MaxRetries: b.cfg.MaxRetries,
		Backoff:    b.cfg.RetryBackoff,
		Window:     dedup.NewWindow(b.cfg.DedupWindow),
		Clock:      b.clock,
		Logger:     b.logger,
	}
	if !b.cfg.DisableDLQ {
		proc.DeadLetter = func(ctx context.Context, msg *xcomm.Message, cause error) error {
			return b.writeDLQ(ctx, durable.DeadLetterEnvelope(msg, b.dlqTopic(msg.Topic), cause))
		}
	}

	go b.consume(cctx, topic, c, proc)
	return nil
}

// consume is the per-topic read loop: XREADGROUP a small batch with a
// short block, process each entry, XACK regardless of the outcome so the
// group always makes forward progress.
func (b *Bus) consume(ctx context.Context, topic string, c *consumer, proc *durable.Processor) {
	defer close(c.done)

	consumerName := b.cfg.Group + "-" + uuid.NewString()
	args := &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: consumerName,
		Streams:  []string{topic, ">"},
		Count:    int64(b.cfg.BatchSize),
		Block:    b.cfg.Block,
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout, loop again.
				continue
			}
			b.logger.Warn().Str("topic", topic).Err(err).Msg("xreadgroup failed")
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		for i := range res {
			for _, entry := range res[i].Messages {
				b.handleEntry(ctx, topic, entry, proc)
			}
		}
	}
}

func (b *Bus) handleEntry(ctx context.Context, topic string, entry redis.XMessage, proc *durable.Processor) {
	raw := entryData(entry)
	msg, err := xcomm.DecodeMessage(raw)
	if err != nil {
		// Poison entry: dead-letter the raw bytes and ack, the loop must
		// not die and the entry must not be redelivered forever.
		b.logger.Warn().Str("topic", topic).Str("entry", entry.ID).Err(err).Msg("poison entry")
		if !b.cfg.DisableDLQ {
			if dlqErr := b.client.XAdd(ctx, &redis.XAddArgs{
				Stream: b.dlqTopic(topic),
				ID:     "*",
				Values: map[string]any{fieldData: raw, "error": err.Error()},
			}).Err(); dlqErr != nil {
				b.logger.Error().Str("topic", topic).Err(dlqErr).Msg("poison dead-letter failed")
			}
		}
		b.ack(ctx, topic, entry.ID)
		return
	}

	_ = proc.Process(ctx, msg, b.table.Handlers(topic))
	// Ack regardless: exhausted retries were dead-lettered above.
	b.ack(ctx, topic, entry.ID)
}

func (b *Bus) ack(ctx context.Context, topic, entryID string) {
	if err := b.client.XAck(ctx, topic, b.cfg.Group, entryID).Err(); err != nil {
		b.logger.Warn().Str("topic", topic).Str("entry", entryID).Err(err).Msg("xack failed")
	}
}

func (b *Bus) writeDLQ(ctx context.Context, dl *xcomm.Message) error {
	data, err := xcomm.EncodeMessage(dl)
	if err != nil {
		return err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dl.Topic,
		ID:     "*",
		Values: map[string]any{fieldData: data},
	}).Err(); err != nil {
		return xcomm.NewTransportError(BackendName, "dead-letter", err)
	}
	return nil
}

func entryData(entry redis.XMessage) []byte {
	switch v := entry.Values[fieldData].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Unsubscribe removes one registration; the last handler for a topic
// cancels the consumer loop and awaits it. An ordinary topic's stream and
// group stay in Redis so a resubscribe resumes where the group left off;
// a reply inbox is single-use, so its group and stream are removed.
func (b *Bus) Unsubscribe(_ context.Context, subID string) error {
	topic, last, ok := b.table.Remove(subID)
	if !ok || !last {
		return nil
	}
	b.stopConsumer(topic)
	return nil
}

func (b *Bus) stopConsumer(topic string) {
	b.mu.Lock()
	c := b.consumers[topic]
	delete(b.consumers, topic)
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.cancel()
	<-c.done

	if xcomm.IsReplyTopic(topic) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.XGroupDestroy(ctx, topic, b.cfg.Group).Err(); err != nil {
			b.logger.Warn().Str("topic", topic).Err(err).Msg("destroy inbox group failed")
		}
		if err := b.client.Del(ctx, topic).Err(); err != nil {
			b.logger.Warn().Str("topic", topic).Err(err).Msg("delete inbox stream failed")
		}
	}
}

// Publish appends the envelope to the topic's stream.
func (b *Bus) Publish(ctx context.Context, msg *xcomm.Message) error {
	if b.closed.Load() {
		return xcomm.ErrBusClosed
	}
	xcomm.InjectTrace(ctx, msg)
	data, err := xcomm.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Topic,
		ID:     "*",
		Values: map[string]any{fieldData: data},
	}).Err(); err != nil {
		return xcomm.NewTransportError(BackendName, "publish", err)
	}
	return nil
}

func (b *Bus) Request(ctx context.Context, topic string, msg *xcomm.Message, timeout time.Duration) (*xcomm.Message, error) {
	return xcomm.Request(ctx, b, topic, msg, timeout)
}

// DrainDLQ reads up to max entries of the topic's dead-letter stream from
// the beginning and invokes h for each decodable envelope. It returns the
// number of entries handed to h. Entries are left in place; callers that
// want destructive replay can delete the stream afterwards.
func (b *Bus) DrainDLQ(ctx context.Context, topic string, h xcomm.Handler, max int) (int, error) {
	if b.closed.Load() {
		return 0, xcomm.ErrBusClosed
	}
	if max < 1 {
		return 0, nil
	}
	entries, err := b.client.XRangeN(ctx, b.dlqTopic(topic), "-", "+", int64(max)).Result()
	if err != nil {
		return 0, xcomm.NewTransportError(BackendName, "dlq drain", err)
	}
	processed := 0
	for _, entry := range entries {
		msg, err := xcomm.DecodeMessage(entryData(entry))
		if err != nil {
			b.logger.Warn().Str("topic", topic).Str("entry", entry.ID).Err(err).Msg("undecodable dlq entry")
			continue
		}
		if err := h(xcomm.ExtractTrace(ctx, msg), msg); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// Close cancels all consumer loops, awaits them, and closes the client.
func (b *Bus) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = make(map[string]*consumer)
	b.mu.Unlock()
	for _, c := range consumers {
		c.cancel()
		<-c.done
	}
	return b.client.Close()
}
