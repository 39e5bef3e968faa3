// Package natsjs is the durable NATS JetStream backend. One stream covers
// every bus subject under a configurable prefix; each topic gets a durable
// pull consumer whose name is derived deterministically from the topic.
// Consumption follows the same pipeline as the Redis Streams backend:
// bounded de-dup, retry with fixed backoff, dead-letter on
// topic+DLQSuffix, then acknowledge regardless so redelivery storms are
// impossible.
package natsjs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/dedup"
	"github.com/trickstertwo/xcomm/internal/durable"
	"github.com/trickstertwo/xcomm/internal/subs"
)

const BackendName = "nats-jetstream"

func init() {
	if err := xcomm.RegisterBackend(BackendName, func(cfg map[string]any) (xcomm.Bus, error) {
		return NewBus(ConfigFromMap(cfg))
	}); err != nil {
		panic(err)
	}
}

// Config for the JetStream backend.
type Config struct {
	URL  string
	Name string

	// Stream is the JetStream stream name holding all bus subjects.
	Stream string
	// SubjectsPrefix namespaces bus topics inside the stream. The stream
	// is created over SubjectsPrefix + ">" so multi-token subjects such
	// as dead-letter topics are covered too.
	SubjectsPrefix string

	BatchSize    int
	FetchMaxWait time.Duration

	MaxRetries   int
	RetryBackoff time.Duration
	DLQSuffix    string
	DisableDLQ   bool
	DedupWindow  int

	Logger *xlog.Logger
	Clock  xclock.Clock
}

// Defaults returns configuration with sensible defaults.
func Defaults() Config {
	return Config{
		URL:            nats.DefaultURL,
		Stream:         "XCOMM",
		SubjectsPrefix: "xcomm.",
		BatchSize:      10,
		FetchMaxWait:   time.Second,
		MaxRetries:     3,
		RetryBackoff:   200 * time.Millisecond,
		DLQSuffix:      xcomm.DefaultDLQSuffix,
		DedupWindow:    dedup.DefaultCapacity,
	}
}

// ConfigFromMap safely converts a generic config blob into Config.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["name"].(string); ok {
		c.Name = v
	}
	if v, ok := m["stream"].(string); ok && v != "" {
		c.Stream = v
	}
	if v, ok := m["subjects_prefix"].(string); ok && v != "" {
		c.SubjectsPrefix = v
	}
	if v, ok := m["batch_size"].(int); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := m["fetch_max_wait"].(time.Duration); ok && v > 0 {
		c.FetchMaxWait = v
	}
	if v, ok := m["max_retries"].(int); ok && v >= 0 {
		c.MaxRetries = v
	}
	if v, ok := m["retry_backoff"].(time.Duration); ok && v > 0 {
		c.RetryBackoff = v
	}
	if v, ok := m["dlq_suffix"].(string); ok && v != "" {
		c.DLQSuffix = v
	}
	if v, ok := m["disable_dlq"].(bool); ok {
		c.DisableDLQ = v
	}
	if v, ok := m["dedup_window"].(int); ok && v > 0 {
		c.DedupWindow = v
	}
	return c
}

// puller owns the background fetch loop for one topic.
type puller struct {
	cancel   context.CancelFunc
	done     chan struct{}
	consumer string
}

// Bus is the JetStream implementation of xcomm.Bus.
type Bus struct {
	cfg    Config
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *xlog.Logger
	clock  xclock.Clock

	table *subs.Table

	mu      sync.Mutex
	pullers map[string]*puller

	closed atomic.Bool
}

var _ xcomm.Bus = (*Bus)(nil)

// NewBus connects, creates the stream idempotently, and fails fast when
// the server or stream setup is unavailable.
func NewBus(cfg Config) (*Bus, error) {
	opts := []nats.Option{nats.Timeout(5 * time.Second)}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, xcomm.NewTransportError(BackendName, "connect", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, xcomm.NewTransportError(BackendName, "jetstream", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectsPrefix + ">"},
	}); err != nil {
		conn.Close()
		return nil, xcomm.NewTransportError(BackendName, "create stream", err)
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
		cfg:     cfg,
		conn:    conn,
		js:      js,
		logger:  lg,
		clock:   clk,
		table:   subs.NewTable(),
		pullers: make(map[string]*puller),
	}, nil
}

func (b *Bus) subject(topic string) string { return b.cfg.SubjectsPrefix + topic }

func (b *Bus) dlqTopic(topic string) string { return topic + b.cfg.DLQSuffix }

// durableName derives the deterministic consumer name for a topic:
// non-alphanumerics become underscores.
func durableName(topic string) string {
	var sb strings.Builder
	sb.Grow(len(topic))
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// Subscribe registers h; the first handler for a topic creates the
// durable pull consumer and starts the fetch loop.
func (b *Bus) Subscribe(ctx context.Context, topic string, h xcomm.Handler) (string, error) {
	if b.closed.Load() {
		return "", xcomm.ErrBusClosed
	}
	id, first := b.table.Add(topic, h)
	if !first {
		return id, nil
	}
	if err := b.startPuller(ctx, topic); err != nil {
		b.table.Remove(id)
		return "", err
	}
	return id, nil
}

func (b *Bus) startPuller(ctx context.Context, topic string) error {
	ccfg := jetstream.ConsumerConfig{
		FilterSubject: b.subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	// Reply inboxes are single-use: an ephemeral consumer, deleted on
	// unsubscribe. Ordinary topics get a durable so a resubscribe resumes
	// where the group left off.
	if !xcomm.IsReplyTopic(topic) {
		ccfg.Durable = durableName(topic)
	}
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, ccfg)
	if err != nil {
		return xcomm.NewTransportError(BackendName, "create consumer", err)
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &puller{cancel: cancel, done: make(chan struct{}), consumer: cons.CachedInfo().Name}

	b.mu.Lock()
	b.pullers[topic] = p
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
			return b.publishEnvelope(ctx, durable.DeadLetterEnvelope(msg, b.dlqTopic(msg.Topic), cause))
		}
	}

	go b.pull(pctx, topic, cons, p, proc)
	return nil
}

// pull is the per-topic fetch loop: small batches with a short max-wait,
// process each message, ack regardless of the outcome.
func (b *Bus) pull(ctx context.Context, topic string, cons jetstream.Consumer, p *puller, proc *durable.Processor) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := cons.Fetch(b.cfg.BatchSize, jetstream.FetchMaxWait(b.cfg.FetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Str("topic", topic).Err(err).Msg("fetch failed")
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		for jm := range batch.Messages() {
			b.handleMessage(ctx, topic, jm, proc)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			b.logger.Warn().Str("topic", topic).Err(err).Msg("fetch batch error")
		}
	}
}

func (b *Bus) handleMessage(ctx context.Context, topic string, jm jetstream.Msg, proc *durable.Processor) {
	msg, err := xcomm.DecodeMessage(jm.Data())
	if err != nil {
		b.logger.Warn().Str("topic", topic).Err(err).Msg("poison message")
		if !b.cfg.DisableDLQ {
			if _, dlqErr := b.js.Publish(ctx, b.subject(b.dlqTopic(topic)), jm.Data()); dlqErr != nil {
				b.logger.Error().Str("topic", topic).Err(dlqErr).Msg("poison dead-letter failed")
			}
		}
		b.ack(topic, jm)
		return
	}

	_ = proc.Process(ctx, msg, b.table.Handlers(topic))
	// Ack regardless: exhausted retries were dead-lettered above.
	b.ack(topic, jm)
}

func (b *Bus) ack(topic string, jm jetstream.Msg) {
	if err := jm.Ack(); err != nil {
		b.logger.Warn().Str("topic", topic).Err(err).Msg("ack failed")
	}
}

// Unsubscribe removes one registration; the last handler for a topic
// cancels the fetch loop and awaits it. For ordinary topics the durable
// consumer is kept so a resubscribe resumes where the group left off; a
// reply inbox's ephemeral consumer is deleted so request/response churn
// leaves no consumer state on the stream.
func (b *Bus) Unsubscribe(_ context.Context, subID string) error {
	topic, last, ok := b.table.Remove(subID)
	if !ok || !last {
		return nil
	}
	b.stopPuller(topic)
	return nil
}

func (b *Bus) stopPuller(topic string) {
	b.mu.Lock()
	p := b.pullers[topic]
	delete(b.pullers, topic)
	b.mu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	<-p.done

	if xcomm.IsReplyTopic(topic) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.js.DeleteConsumer(ctx, b.cfg.Stream, p.consumer); err != nil {
			b.logger.Warn().Str("topic", topic).Err(err).Msg("delete inbox consumer failed")
		}
	}
}

// Publish appends the envelope to the stream under its topic subject.
func (b *Bus) Publish(ctx context.Context, msg *xcomm.Message) error {
	if b.closed.Load() {
		return xcomm.ErrBusClosed
	}
	xcomm.InjectTrace(ctx, msg)
	return b.publishEnvelope(ctx, msg)
}

func (b *Bus) publishEnvelope(ctx context.Context, msg *xcomm.Message) error {
	data, err := xcomm.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, b.subject(msg.Topic), data); err != nil {
		return xcomm.NewTransportError(BackendName, "publish", err)
	}
	return nil
}

func (b *Bus) Request(ctx context.Context, topic string, msg *xcomm.Message, timeout time.Duration) (*xcomm.Message, error) {
	return xcomm.Request(ctx, b, topic, msg, timeout)
}

// DrainDLQ replays up to max dead-lettered envelopes for topic through h
// using an ephemeral deliver-all consumer, returning the number handed to
// h. Entries stay in the stream for later inspection.
func (b *Bus) DrainDLQ(ctx context.Context, topic string, h xcomm.Handler, max int) (int, error) {
	if b.closed.Load() {
		return 0, xcomm.ErrBusClosed
	}
	if max < 1 {
		return 0, nil
	}
	cons, err := b.js.OrderedConsumer(ctx, b.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{b.subject(b.dlqTopic(topic))},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return 0, xcomm.NewTransportError(BackendName, "dlq consumer", err)
	}

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(b.cfg.FetchMaxWait))
	if err != nil {
		return 0, xcomm.NewTransportError(BackendName, "dlq drain", err)
	}
	processed := 0
	for jm := range batch.Messages() {
		msg, err := xcomm.DecodeMessage(jm.Data())
		if err != nil {
			b.logger.Warn().Str("topic", topic).Err(err).Msg("undecodable dlq entry")
			continue
		}
		if err := h(xcomm.ExtractTrace(ctx, msg), msg); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// Close cancels all fetch loops, awaits them, and closes the connection.
func (b *Bus) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	pullers := b.pullers
	b.pullers = make(map[string]*puller)
	b.mu.Unlock()
	for _, p := range pullers {
		p.cancel()
		<-p.done
	}
	b.conn.Close()
	return nil
}
