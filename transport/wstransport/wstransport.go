// Package wstransport carries envelopes over WebSocket connections. A hub
// relays every envelope to all other connections and to its own session;
// clients dial the hub and exchange envelopes with the rest of the mesh.
package wstransport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/metric"
	"github.com/c360/keymesh/pkg/buffer"
	"github.com/c360/keymesh/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendQueue = 256
)

type options struct {
	logger    *slog.Logger
	m         *metric.Metrics
	sendQueue int
	path      string
}

// Option configures a hub or a client.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRegistry records transport status in the registry's core
// metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		if registry != nil {
			o.m = registry.CoreMetrics()
		}
	}
}

// WithSendQueue sets the per-connection outbound queue depth. The queue
// drops its oldest envelope when a slow peer lets it fill.
func WithSendQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// WithPath sets the HTTP path the hub serves the upgrade on. Defaults to
// "/mesh".
func WithPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.path = path
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:    slog.Default(),
		sendQueue: defaultSendQueue,
		path:      "/mesh",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// conn is one hub-side connection with a buffered writer.
type conn struct {
	id  string
	ws  *websocket.Conn
	out buffer.Buffer[[]byte]
}

// Hub is a transport.Transport that also relays envelopes between every
// connected client. The hosting session sees all traffic; each client
// sees everything except its own.
type Hub struct {
	opts     options
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*conn
	fn     transport.ReceiveFunc
	closed bool

	connsTotal atomic.Int64
	wg         sync.WaitGroup
}

var _ transport.Transport = (*Hub)(nil)

// Serve starts a hub listening on addr ("host:port", port 0 picks a free
// one).
func Serve(addr string, opts ...Option) (*Hub, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "Hub", "Serve", "listen")
	}

	h := &Hub{
		opts:     buildOptions(opts),
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(h.opts.path, h.handleUpgrade)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.opts.logger.Error("hub serve failed", "error", err)
		}
	}()

	if h.opts.m != nil {
		h.opts.m.RecordTransportStatus(true)
	}
	return h, nil
}

// Addr returns the address the hub is listening on.
func (h *Hub) Addr() string {
	return h.listener.Addr().String()
}

// URL returns the ws:// URL clients dial.
func (h *Hub) URL() string {
	return "ws://" + h.Addr() + h.opts.path
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	out, err := buffer.NewCircular[[]byte](h.opts.sendQueue,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))
	if err != nil {
		ws.Close()
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws, out: out}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c.id] = c
	h.mu.Unlock()
	h.connsTotal.Add(1)

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) readLoop(c *conn) {
	defer h.wg.Done()
	defer h.dropConn(c)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := transport.Decode(data)
		if err != nil {
			h.opts.logger.Debug("undecodable envelope dropped", "conn", c.id, "error", err)
			continue
		}
		h.dispatch(env, c.id)
	}
}

// dispatch delivers one envelope to the local session and to every
// connection except the one it arrived from. from is empty for envelopes
// originated by the hub's own session.
func (h *Hub) dispatch(env transport.Envelope, from string) {
	data, err := env.Encode()
	if err != nil {
		return
	}

	h.mu.RLock()
	fn := h.fn
	peers := make([]*conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id != from {
			peers = append(peers, c)
		}
	}
	h.mu.RUnlock()

	if from != "" && fn != nil {
		fn(env)
	}
	for _, c := range peers {
		c.out.Write(data)
	}
}

func (h *Hub) writeLoop(c *conn) {
	defer h.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), pingPeriod)
		data, err := c.out.ReadWait(ctx)
		cancel()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				// Idle connection, keep it alive.
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
			return
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.out.Close()
	c.ws.Close()
}

// Send relays an envelope from the hosting session to every client.
func (h *Hub) Send(env transport.Envelope) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return errors.WrapInvalid(errors.ErrNotConnected, "Hub", "Send", "hub closed")
	}
	h.dispatch(env, "")
	return nil
}

// OnReceive registers the inbound envelope callback.
func (h *Hub) OnReceive(fn transport.ReceiveFunc) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

// Close stops accepting connections and closes the existing ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.fn = nil
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.out.Close()
		c.ws.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.server.Shutdown(ctx)
	h.wg.Wait()
	if h.opts.m != nil {
		h.opts.m.RecordTransportStatus(false)
	}
	if err != nil {
		return errors.Wrap(err, "Hub", "Close", "server shutdown")
	}
	return nil
}
