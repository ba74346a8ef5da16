package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/config"
	"github.com/vovakirdan/chat-relay/internal/core"
	"github.com/vovakirdan/chat-relay/internal/utils"
)

// WSOptions tunes a single WebSocket connection.
type WSOptions struct {
	// SendBuffer is how many outbound frames may queue before the
	// connection reports itself busy.
	SendBuffer        int
	MessagesPerMinute int
	WriteTimeout      time.Duration
	PingTimeout       time.Duration
}

// WSOptionsFrom maps relay settings onto the transport.
func WSOptionsFrom(cfg config.Config) WSOptions {
	return WSOptions{
		SendBuffer:        cfg.Relay.SendBuffer,
		MessagesPerMinute: cfg.Relay.MessagesPerMinute,
		WriteTimeout:      10 * time.Second,
		PingTimeout:       10 * time.Second,
	}
}

// WSHandler upgrades HTTP connections and feeds their events to the hub.
type WSHandler struct {
	hub  *core.Hub
	opts WSOptions
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, opts WSOptions, logger *zerolog.Logger) *WSHandler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	return &WSHandler{hub: hub, opts: opts, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newWSConn(ctx, ws, h.opts)
	conn.onPong = func() {
		h.hub.Dispatch(ctx, core.Event{Kind: core.EventPong, Conn: conn})
	}

	h.hub.Dispatch(ctx, core.Event{Kind: core.EventConnect, Conn: conn})
	defer h.hub.Dispatch(context.Background(), core.Event{Kind: core.EventDisconnect, Conn: conn})

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn)
	}()
	go func() {
		errCh <- conn.writeLoop(ctx)
	}()

	err = <-errCh
	conn.markClosed()
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "connection error"
			h.log.Debug().Err(err).Str("conn_id", conn.id).Msg("ws connection closed with error")
		}
	}

	_ = ws.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *wsConn) error {
	limiter := newRateLimiter(h.opts.MessagesPerMinute)
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return err
		}
		if !limiter.allow() {
			h.log.Warn().Str("conn_id", conn.id).Msg("inbound rate limit exceeded, dropping message")
			continue
		}
		h.hub.Dispatch(ctx, core.Event{Kind: core.EventMessage, Conn: conn, Payload: data})
	}
}

// wsConn adapts a WebSocket to core.Conn. Sends are queued and written by a
// single write loop.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	ctx  context.Context
	opts WSOptions

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	pinging   atomic.Bool
	onPong    func()
}

func newWSConn(ctx context.Context, ws *websocket.Conn, opts WSOptions) *wsConn {
	return &wsConn{
		id:   utils.NewID(),
		ws:   ws,
		ctx:  ctx,
		opts: opts,
		out:  make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(_ context.Context, payload []byte) error {
	if c.closed.Load() {
		return core.ErrConnClosed
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return core.ErrConnClosed
	default:
		return core.ErrConnBusy
	}
}

func (c *wsConn) Writable() bool {
	return !c.closed.Load() && len(c.out) < cap(c.out)
}

// Ping sends a control ping unless one is already outstanding.
func (c *wsConn) Ping() {
	if c.closed.Load() || !c.pinging.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.pinging.Store(false)
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.PingTimeout)
		defer cancel()
		if err := c.ws.Ping(ctx); err == nil && c.onPong != nil {
			c.onPong()
		}
	}()
}

func (c *wsConn) Terminate() {
	c.markClosed()
	_ = c.ws.CloseNow()
}

func (c *wsConn) markClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *wsConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case payload := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
