// Package inproc is the in-process backend: local fan-out with no network,
// synchronous at-most-once delivery, and a backpressure hook on
// subscriber-count overflow. It is the reference implementation of the bus
// semantics and the natural choice for tests and single-process wiring.
package inproc

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/subs"
)

const BackendName = "inproc"

var errMissingTopic = errors.New("message topic must not be empty")

func init() {
	if err := xcomm.RegisterBackend(BackendName, func(cfg map[string]any) (xcomm.Bus, error) {
		return NewBus(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(err)
	}
}

// BackpressureFunc is invoked fire-and-forget when a topic's subscriber
// count exceeds the configured limit.
type BackpressureFunc func(topic string, subscribers int)

// Config controls the in-process backend.
type Config struct {
	// SubscriberLimit is the per-topic subscriber count above which the
	// backpressure hook fires (0 disables the check).
	SubscriberLimit int
	// OnBackpressure is called in its own goroutine on overflow.
	OnBackpressure BackpressureFunc
	// Middlewares wrap every handler at dispatch, first one outermost.
	Middlewares []xcomm.Middleware

	Logger *xlog.Logger
}

// ConfigFromMap converts a generic config blob into Config. The
// backpressure hook is code, not configuration, and is only settable via
// the typed Config.
func ConfigFromMap(cfg map[string]any) Config {
	c := Config{}
	switch v := cfg["subscriber_limit"].(type) {
	case int:
		c.SubscriberLimit = v
	case int64:
		c.SubscriberLimit = int(v)
	case float64:
		c.SubscriberLimit = int(v)
	}
	return c
}

// Bus is the in-process implementation of xcomm.Bus.
type Bus struct {
	cfg    Config
	table  *subs.Table
	logger *xlog.Logger
	closed atomic.Bool
}

var _ xcomm.Bus = (*Bus)(nil)

func NewBus(cfg Config) *Bus {
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	return &Bus{
		cfg:    cfg,
		table:  subs.NewTable(),
		logger: lg,
	}
}

// Subscribe registers h for topic. Never blocks.
func (b *Bus) Subscribe(_ context.Context, topic string, h xcomm.Handler) (string, error) {
	if b.closed.Load() {
		return "", xcomm.ErrBusClosed
	}
	id, _ := b.table.Add(topic, h)

	if n := b.table.Count(topic); b.cfg.SubscriberLimit > 0 && n > b.cfg.SubscriberLimit && b.cfg.OnBackpressure != nil {
		go b.cfg.OnBackpressure(topic, n)
	}
	return id, nil
}

// Unsubscribe removes one registration; unknown ids are a no-op.
func (b *Bus) Unsubscribe(_ context.Context, subID string) error {
	b.table.Remove(subID)
	return nil
}

// Publish delivers msg synchronously to a snapshot of the topic's
// handlers, in subscription order. A handler error aborts the remaining
// deliveries and propagates to the caller; nothing is retried.
func (b *Bus) Publish(ctx context.Context, msg *xcomm.Message) error {
	if b.closed.Load() {
		return xcomm.ErrBusClosed
	}
	if msg == nil || msg.Topic == "" {
		return xcomm.NewTransportError(BackendName, "publish", errMissingTopic)
	}
	xcomm.InjectTrace(ctx, msg)

	hctx := xcomm.ExtractTrace(ctx, msg)
	for _, h := range b.table.Handlers(msg.Topic) {
		if err := xcomm.Chain(h, b.cfg.Middlewares...)(hctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Request(ctx context.Context, topic string, msg *xcomm.Message, timeout time.Duration) (*xcomm.Message, error) {
	return xcomm.Request(ctx, b, topic, msg, timeout)
}

func (b *Bus) Close(_ context.Context) error {
	b.closed.Store(true)
	return nil
}

// SubscriberCount reports the live handler count for topic.
func (b *Bus) SubscriberCount(topic string) int {
	return b.table.Count(topic)
}

// Topics reports the topics with at least one live handler.
func (b *Bus) Topics() []string {
	return b.table.Topics()
}
