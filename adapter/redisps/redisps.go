// Package redisps is the Redis pub/sub backend: ephemeral broadcast over
// Redis channels. One background listener per topic is started lazily on
// first subscribe and torn down when the last local handler leaves. There
// is no persistence, retry or DLQ — a message published with nobody
// listening is gone.
package redisps

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/subs"
)

const BackendName = "redis-pubsub"

func init() {
	if err := xcomm.RegisterBackend(BackendName, func(cfg map[string]any) (xcomm.Bus, error) {
		return NewBus(ConfigFromMap(cfg))
	}); err != nil {
		panic(err)
	}
}

// Config for the Redis pub/sub backend.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	Logger *xlog.Logger
}

// Defaults returns a Config with local-development defaults.
func Defaults() Config {
	return Config{Addr: "127.0.0.1:6379"}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	return c
}

// listener owns the background goroutine draining one topic's channel.
type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
	ps     *redis.PubSub
}

// Bus is the Redis pub/sub implementation of xcomm.Bus.
type Bus struct {
	cfg    Config
	client *redis.Client
	logger *xlog.Logger

	table *subs.Table

	mu        sync.Mutex
	listeners map[string]*listener

	closed atomic.Bool
}

var _ xcomm.Bus = (*Bus)(nil)

// NewBus connects to Redis and fails fast when the broker is unreachable.
func NewBus(cfg Config) (*Bus, error) {
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
	return &Bus{
		cfg:       cfg,
		client:    client,
		logger:    lg,
		table:     subs.NewTable(),
		listeners: make(map[string]*listener),
	}, nil
}

// Subscribe registers h; the first handler for a topic opens the Redis
// SUBSCRIBE and starts the listener goroutine.
func (b *Bus) Subscribe(ctx context.Context, topic string, h xcomm.Handler) (string, error) {
	if b.closed.Load() {
		return "", xcomm.ErrBusClosed
	}
	id, first := b.table.Add(topic, h)
	if !first {
		return id, nil
	}
	if err := b.startListener(ctx, topic); err != nil {
		b.table.Remove(id)
		return "", err
	}
	return id, nil
}

func (b *Bus) startListener(ctx context.Context, topic string) error {
	ps := b.client.Subscribe(ctx, topic)
	// Force the SUBSCRIBE onto the wire so setup errors surface here, not
	// in the background loop.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return xcomm.NewTransportError(BackendName, "subscribe", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &listener{cancel: cancel, done: make(chan struct{}), ps: ps}

	b.mu.Lock()
	b.listeners[topic] = l
	b.mu.Unlock()

	go b.listen(lctx, topic, l)
	return nil
}

// listen drains one topic's channel and dispatches to the local handlers.
// A malformed frame or failing handler is logged and the loop continues.
func (b *Bus) listen(ctx context.Context, topic string, l *listener) {
	defer close(l.done)
	ch := l.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-ch:
			if !ok {
				return
			}
			msg, err := xcomm.DecodeMessage([]byte(rm.Payload))
			if err != nil {
				b.logger.Warn().Str("topic", topic).Err(err).Msg("dropping malformed frame")
				continue
			}
			hctx := xcomm.ExtractTrace(ctx, msg)
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
	}
}

// Unsubscribe removes one registration; the last handler for a topic
// cancels the listener and closes the Redis subscription.
func (b *Bus) Unsubscribe(_ context.Context, subID string) error {
	topic, last, ok := b.table.Remove(subID)
	if !ok || !last {
		return nil
	}
	b.stopListener(topic)
	return nil
}

func (b *Bus) stopListener(topic string) {
	b.mu.Lock()
	l := b.listeners[topic]
	delete(b.listeners, topic)
	b.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	_ = l.ps.Close()
	<-l.done
}

// Publish serializes the envelope and issues a single PUBLISH.
func (b *Bus) Publish(ctx context.Context, msg *xcomm.Message) error {
	if b.closed.Load() {
		return xcomm.ErrBusClosed
	}
	xcomm.InjectTrace(ctx, msg)
	data, err := xcomm.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, msg.Topic, data).Err(); err != nil {
		return xcomm.NewTransportError(BackendName, "publish", err)
	}
	return nil
}

func (b *Bus) Request(ctx context.Context, topic string, msg *xcomm.Message, timeout time.Duration) (*xcomm.Message, error) {
	return xcomm.Request(ctx, b, topic, msg, timeout)
}

// Close cancels all listeners, awaits them, and closes the client.
func (b *Bus) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	listeners := b.listeners
	b.listeners = make(map[string]*listener)
	b.mu.Unlock()
	for _, l := range listeners {
		l.cancel()
		_ = l.ps.Close()
		<-l.done
	}
	return b.client.Close()
}
