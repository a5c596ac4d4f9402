package wstransport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/pkg/buffer"
	"github.com/c360/keymesh/pkg/retry"
	"github.com/c360/keymesh/transport"
)

// Client is a transport.Transport that dials a hub. A lost connection is
// redialed with backoff; envelopes queued while disconnected go out after
// the reconnect, oldest dropped first when the queue fills.
type Client struct {
	url  string
	opts options

	mu     sync.Mutex
	ws     *websocket.Conn
	fn     transport.ReceiveFunc
	closed bool

	out        buffer.Buffer[[]byte]
	reconnects atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to a hub at the given ws:// URL.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Dial", "websocket dial")
	}

	out, err := buffer.NewCircular[[]byte](o.sendQueue,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))
	if err != nil {
		ws.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    url,
		opts:   o,
		ws:     ws,
		out:    out,
		ctx:    runCtx,
		cancel: cancel,
	}
	if c.opts.m != nil {
		c.opts.m.RecordTransportStatus(true)
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Reconnects returns how many times the connection has been re-established.
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		ws := c.current()
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				break
			}
			env, err := transport.Decode(data)
			if err != nil {
				c.opts.logger.Debug("undecodable envelope dropped", "error", err)
				continue
			}
			c.mu.Lock()
			fn := c.fn
			c.mu.Unlock()
			if fn != nil {
				fn(env)
			}
		}

		if !c.redial() {
			return
		}
	}
}

// redial re-establishes the connection with backoff. It reports false
// when the client has been closed.
func (c *Client) redial() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	if c.opts.m != nil {
		c.opts.m.RecordTransportStatus(false)
	}

	err := retry.Do(c.ctx, retry.Persistent(), func() error {
		ws, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			return errors.WrapTransient(err, "Client", "redial", "websocket dial")
		}
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return false
	}

	c.reconnects.Add(1)
	if c.opts.m != nil {
		c.opts.m.RecordTransportStatus(true)
		c.opts.m.RecordTransportReconnect()
	}
	c.opts.logger.Info("hub connection re-established", "url", c.url)
	return true
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(c.ctx, pingPeriod)
		data, err := c.out.ReadWait(ctx)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if ctx.Err() == context.DeadlineExceeded {
				ws := c.current()
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteMessage(websocket.PingMessage, nil)
				continue
			}
			return
		}
		ws := c.current()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			// The read loop owns reconnection; requeue and wait it out.
			c.out.Write(data)
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// Send queues one envelope for the hub.
func (c *Client) Send(env transport.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.WrapInvalid(errors.ErrNotConnected, "Client", "Send", "client closed")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.out.Write(data)
}

// OnReceive registers the inbound envelope callback.
func (c *Client) OnReceive(fn transport.ReceiveFunc) {
	c.mu.Lock()
	c.fn = fn
	c.mu.Unlock()
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.fn = nil
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	c.out.Close()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	ws.Close()
	c.wg.Wait()
	if c.opts.m != nil {
		c.opts.m.RecordTransportStatus(false)
	}
	return nil
}
