package wsbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/subs"
)

// ClientConfig for the WebSocket client side.
type ClientConfig struct {
	// URL is the ws:// or wss:// endpoint of a Server.
	URL string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *xlog.Logger
}

// ClientDefaults returns configuration with sensible defaults.
func ClientDefaults() ClientConfig {
	return ClientConfig{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Client is the dialing side of the WebSocket bus: one outbound socket,
// a background receive loop, and purely local topic filtering. There is
// no reconnect; connection loss ends the receive loop and subsequent
// publishes fail.
type Client struct {
	cfg    ClientConfig
	logger *xlog.Logger
	conn   *websocket.Conn

	table *subs.Table

	writeMu sync.Mutex
	done    chan struct{}
	closed  atomic.Bool
}

var _ xcomm.Bus = (*Client)(nil)

// Dial connects to a Server and starts the receive loop; it fails fast
// when the endpoint is unreachable.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, xcomm.NewTransportError(BackendName, "dial", err)
	}

	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: lg,
		conn:   conn,
		table:  subs.NewTable(),
		done:   make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

// receive drains the socket, dispatching each frame to whatever local
// handlers match its topic. Frames for topics with no local handler are
// silently skipped; the server broadcasts without filtering.
func (c *Client) receive() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		msg, err := xcomm.DecodeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		hctx := xcomm.ExtractTrace(context.Background(), msg)
		for _, h := range c.table.Handlers(msg.Topic) {
			if err := h(hctx, msg); err != nil {
				c.logger.Warn().
					Str("topic", msg.Topic).
					Str("id", msg.ID).
					Err(err).
					Msg("handler failed")
			}
		}
	}
}

// Subscribe registers a local handler; nothing is sent on the wire.
func (c *Client) Subscribe(_ context.Context, topic string, h xcomm.Handler) (string, error) {
	if c.closed.Load() {
		return "", xcomm.ErrBusClosed
	}
	id, _ := c.table.Add(topic, h)
	return id, nil
}

// Unsubscribe removes one local registration.
func (c *Client) Unsubscribe(_ context.Context, subID string) error {
	c.table.Remove(subID)
	return nil
}

// Publish writes the serialized envelope straight to the socket.
func (c *Client) Publish(ctx context.Context, msg *xcomm.Message) error {
	if c.closed.Load() {
		return xcomm.ErrBusClosed
	}
	xcomm.InjectTrace(ctx, msg)
	data, err := xcomm.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return xcomm.NewTransportError(BackendName, "publish", err)
	}
	return nil
}

func (c *Client) Request(ctx context.Context, topic string, msg *xcomm.Message, timeout time.Duration) (*xcomm.Message, error) {
	return xcomm.Request(ctx, c, topic, msg, timeout)
}

// Close closes the socket and awaits the receive loop.
func (c *Client) Close(_ context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}
