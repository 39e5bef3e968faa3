// Package natscore is the NATS core backend: ephemeral pub/sub where the
// subject is the topic. It bridges NATS-native request/response into the
// envelope model: an inbound NATS reply subject overrides reply_to before
// dispatch, and an outbound reply_to rides as the NATS reply subject, so
// xcomm.Request interoperates with plain NATS requesters and responders.
package natscore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/subs"
)

const BackendName = "nats-core"

func init() {
	if err := xcomm.RegisterBackend(BackendName, func(cfg map[string]any) (xcomm.Bus, error) {
		return NewBus(ConfigFromMap(cfg))
	}); err != nil {
		panic(err)
	}
}

// Config for the NATS core backend.
type Config struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string
	// Name is the client name for identification.
	Name string

	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int

	Logger *xlog.Logger
}

// Defaults returns configuration with sensible defaults.
func Defaults() Config {
	return Config{
		URL:            nats.DefaultURL,
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
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
	if v, ok := m["connect_timeout"].(time.Duration); ok && v > 0 {
		c.ConnectTimeout = v
	}
	return c
}

func buildOptions(cfg Config) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	return opts
}

// Bus is the NATS core implementation of xcomm.Bus.
type Bus struct {
	conn   *nats.Conn
	logger *xlog.Logger

	table *subs.Table

	mu       sync.Mutex
	natsSubs map[string]*nats.Subscription

	ownsConn bool
	closed   atomic.Bool
}

var _ xcomm.Bus = (*Bus)(nil)

// NewBus connects to the NATS server and fails fast when unreachable.
func NewBus(cfg Config) (*Bus, error) {
	conn, err := nats.Connect(cfg.URL, buildOptions(cfg)...)
	if err != nil {
		return nil, xcomm.NewTransportError(BackendName, "connect", err)
	}
	b := newBus(conn, cfg.Logger)
	b.ownsConn = true
	return b, nil
}

// NewBusFromConn wraps an existing connection; Close leaves it open.
func NewBusFromConn(conn *nats.Conn, logger *xlog.Logger) *Bus {
	return newBus(conn, logger)
}

func newBus(conn *nats.Conn, logger *xlog.Logger) *Bus {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Bus{
		conn:     conn,
		logger:   logger,
		table:    subs.NewTable(),
		natsSubs: make(map[string]*nats.Subscription),
	}
}

// Subscribe registers h; the first handler for a topic creates the single
// shared NATS subscription for that subject.
func (b *Bus) Subscribe(_ context.Context, topic string, h xcomm.Handler) (string, error) {
	if b.closed.Load() {
		return "", xcomm.ErrBusClosed
	}
	id, first := b.table.Add(topic, h)
	if !first {
		return id, nil
	}

	ns, err := b.conn.Subscribe(topic, func(m *nats.Msg) { b.dispatch(topic, m) })
	if err != nil {
		b.table.Remove(id)
		return "", xcomm.NewTransportError(BackendName, "subscribe", err)
	}
	b.mu.Lock()
	b.natsSubs[topic] = ns
	b.mu.Unlock()
	return id, nil
}

// dispatch decodes one NATS message and fans it out to the local handlers.
// A native NATS reply subject wins over any reply_to baked into the frame,
// which is what lets a plain nats.Conn.Request reach an xcomm responder.
func (b *Bus) dispatch(topic string, m *nats.Msg) {
	msg, err := xcomm.DecodeMessage(m.Data)
	if err != nil {
		b.logger.Warn().Str("topic", topic).Err(err).Msg("dropping malformed frame")
		return
	}
	if m.Reply != "" {
		msg.ReplyTo = m.Reply
	}
	hctx := xcomm.ExtractTrace(context.Background(), msg)
	for _, h := range b.table.Handlers(topic) {
		if err := h(hctx, msg); err != nil {
			b.logger.Warn().
				Str("topic", topic).
				Str("id", msg.ID).
				Err(err).
				Msg("handler failed")
		}
	}
}

// Unsubscribe removes one registration; the last handler for a topic
// drops the shared NATS subscription.
func (b *Bus) Unsubscribe(_ context.Context, subID string) error {
	topic, last, ok := b.table.Remove(subID)
	if !ok || !last {
		return nil
	}
	b.mu.Lock()
	ns := b.natsSubs[topic]
	delete(b.natsSubs, topic)
	b.mu.Unlock()
	if ns != nil {
		if err := ns.Unsubscribe(); err != nil {
			return xcomm.NewTransportError(BackendName, "unsubscribe", err)
		}
	}
	return nil
}

// Publish sends the envelope on its topic subject. A reply_to on the
// message also rides as the native NATS reply subject.
func (b *Bus) Publish(ctx context.Context, msg *xcomm.Message) error {
	if b.closed.Load() || b.conn.IsClosed() {
		return xcomm.ErrBusClosed
	}
	xcomm.InjectTrace(ctx, msg)
	data, err := xcomm.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if msg.ReplyTo != "" {
		err = b.conn.PublishRequest(msg.Topic, msg.ReplyTo, data)
	} else {
		err = b.conn.Publish(msg.Topic, data)
	}
	if err != nil {
		return xcomm.NewTransportError(BackendName, "publish", err)
	}
	return nil
}

func (b *Bus) Request(ctx context.Context, topic string, msg *xcomm.Message, timeout time.Duration) (*xcomm.Message, error) {
	return xcomm.Request(ctx, b, topic, msg, timeout)
}

// Close drops all subscriptions and, when the bus owns the connection,
// closes it.
func (b *Bus) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	for topic, ns := range b.natsSubs {
		_ = ns.Unsubscribe()
		delete(b.natsSubs, topic)
	}
	b.mu.Unlock()
	if b.ownsConn {
		b.conn.Close()
	}
	return nil
}
