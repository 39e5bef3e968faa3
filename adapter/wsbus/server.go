// Package wsbus is the WebSocket backend: a hub server and a thin client,
// both implementing xcomm.Bus over one socket. Frames are plain JSON
// envelopes with no topic filtering at the socket layer; each side
// dispatches incoming frames to whatever local handlers match the topic.
package wsbus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/subs"
)

const BackendName = "websocket"

func init() {
	if err := xcomm.RegisterBackend(BackendName, func(cfg map[string]any) (xcomm.Bus, error) {
		return NewServer(ServerConfigFromMap(cfg))
	}); err != nil {
		panic(err)
	}
}

// ServerConfig for the WebSocket hub.
type ServerConfig struct {
	// Addr is the listen address. Port 0 binds an ephemeral port,
	// queryable via Port after NewServer returns.
	Addr string
	// Path is the HTTP path clients dial.
	Path string

	WriteTimeout time.Duration
	ReadLimit    int64

	Logger *xlog.Logger
}

// ServerDefaults returns configuration with local-development defaults.
func ServerDefaults() ServerConfig {
	return ServerConfig{
		Addr:         "127.0.0.1:0",
		Path:         "/ws",
		WriteTimeout: 10 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// ServerConfigFromMap safely converts a generic config blob.
func ServerConfigFromMap(m map[string]any) ServerConfig {
	c := ServerDefaults()
	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["path"].(string); ok && v != "" {
		c.Path = v
	}
	if v, ok := m["write_timeout"].(time.Duration); ok && v > 0 {
		c.WriteTimeout = v
	}
	if v, ok := m["read_limit"].(int64); ok && v > 0 {
		c.ReadLimit = v
	}
	return c
}

// peer is one accepted client connection. Writes are serialized by mu;
// gorilla/websocket allows only one concurrent writer per conn.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(data []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the hub side of the WebSocket bus. Publish dispatches to the
// server's own handlers and broadcasts the frame to every connected
// client; incoming client frames are dispatched to the server's handlers.
type Server struct {
	cfg      ServerConfig
	logger   *xlog.Logger
	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	table *subs.Table

	mu    sync.Mutex
	peers map[*peer]struct{}

	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ xcomm.Bus = (*Server)(nil)

// NewServer binds the listener and starts serving immediately; it fails
// fast when the address cannot be bound.
func NewServer(cfg ServerConfig) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, xcomm.NewTransportError(BackendName, "listen", err)
	}

	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   lg,
		listener: ln,
		table:    subs.NewTable(),
		peers:    make(map[*peer]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("websocket server stopped")
		}
	}()
	lg.Info().Str("addr", ln.Addr().String()).Msg("websocket server listening")
	return s, nil
}

// Port returns the bound TCP port, useful when Addr requested port 0.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL returns a ws:// URL clients can dial.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String() + s.cfg.Path
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	p := &peer{conn: conn}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	// Registered under the same lock as the peer so Close cannot pass its
	// Wait between registration and Add.
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(p)
}

// readLoop drains one client connection, dispatching each frame to the
// server's local handlers. Connection loss removes the peer.
func (s *Server) readLoop(p *peer) {
	defer s.wg.Done()
	defer s.dropPeer(p)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := xcomm.DecodeMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.dispatchLocal(context.Background(), msg)
	}
}

func (s *Server) dropPeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	_ = p.conn.Close()
}

// dispatchLocal fans one envelope out to the handlers registered for its
// topic. Handler errors are logged; one bad handler must not stop the rest.
func (s *Server) dispatchLocal(ctx context.Context, msg *xcomm.Message) {
	hctx := xcomm.ExtractTrace(ctx, msg)
	for _, h := range s.table.Handlers(msg.Topic) {
		if err := h(hctx, msg); err != nil {
			s.logger.Warn().
				Str("topic", msg.Topic).
				Str("id", msg.ID).
				Err(err).
				Msg("handler failed")
		}
	}
}

// Subscribe registers a local handler; no socket traffic is involved.
func (s *Server) Subscribe(_ context.Context, topic string, h xcomm.Handler) (string, error) {
	if s.closed.Load() {
		return "", xcomm.ErrBusClosed
	}
	id, _ := s.table.Add(topic, h)
	return id, nil
}

// Unsubscribe removes one local registration.
func (s *Server) Unsubscribe(_ context.Context, subID string) error {
	s.table.Remove(subID)
	return nil
}

// Publish dispatches to the server's own handlers and broadcasts the
// serialized envelope to every connected client. There is no topic
// filtering at the socket layer; clients filter by their local handler
// set.
func (s *Server) Publish(ctx context.Context, msg *xcomm.Message) error {
	if s.closed.Load() {
		return xcomm.ErrBusClosed
	}
	xcomm.InjectTrace(ctx, msg)
	data, err := xcomm.EncodeMessage(msg)
	if err != nil {
		return err
	}

	s.dispatchLocal(ctx, msg)

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.write(data, s.cfg.WriteTimeout); err != nil {
			s.logger.Warn().Err(err).Msg("broadcast write failed")
			s.dropPeer(p)
		}
	}
	return nil
}

func (s *Server) Request(ctx context.Context, topic string, msg *xcomm.Message, timeout time.Duration) (*xcomm.Message, error) {
	return xcomm.Request(ctx, s, topic, msg, timeout)
}

// Close stops accepting, closes every client connection, and awaits the
// read loops.
func (s *Server) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
	s.mu.Unlock()
	err := s.httpSrv.Shutdown(ctx)
	s.wg.Wait()
	return err
}
