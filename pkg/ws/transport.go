package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

var ErrNotOpen = errors.New("ws: transport not open")

const closeReasonDone = "unsubscribe"

// Handler receives the lifecycle of one Transport. Callbacks arrive on the
// transport's reader goroutine, in receipt order.
type Handler interface {
	OnOpen()
	OnMessage(frame []byte)
	OnClose()
	OnError(err error)
}

type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration // 0 disables keepalive
	PingTimeout  time.Duration
	ReadLimit    int64
	Header       http.Header
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type state int

const (
	stateIdle state = iota
	stateOpening
	stateOpen
	stateDisconnected
	stateClosed
)

// Transport owns a single streaming connection. It never retries; the
// owner decides what a lost connection means.
type Transport struct {
	handler Handler
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	state  state
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	closed atomic.Bool
}

func NewTransport(h Handler, opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{handler: h, opts: opts, logger: opts.Logger}
}

// Open dials endpoint in the background. Failures are reported through
// Handler.OnError. Calling Open while opening or open is a no-op.
func (t *Transport) Open(ctx context.Context, endpoint string) {
	t.mu.Lock()
	if t.closed.Load() || (t.state != stateIdle && t.state != stateDisconnected) {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.state = stateOpening
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(ctx, endpoint, done)
}

func (t *Transport) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer close(done)

	dialCtx, cancelDial := context.WithTimeout(ctx, t.opts.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPHeader: t.opts.Header})
	cancelDial()
	if err != nil {
		t.setState(stateDisconnected)
		t.logger.Warn("ws dial failed", "endpoint", endpoint, "err", err)
		t.emit(func(h Handler) { h.OnError(fmt.Errorf("dial %s: %w", endpoint, err)) })
		return
	}
	if t.opts.ReadLimit > 0 {
		conn.SetReadLimit(t.opts.ReadLimit)
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.CloseNow()
		return
	}
	t.conn = conn
	t.state = stateOpen
	t.mu.Unlock()

	t.logger.Info("ws connected", "endpoint", endpoint)
	t.emit(func(h Handler) { h.OnOpen() })

	if t.opts.PingInterval > 0 {
		go t.pingLoop(ctx, conn)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			if t.state != stateClosed {
				t.state = stateDisconnected
			}
			t.mu.Unlock()
			_ = conn.CloseNow()

			status := websocket.CloseStatus(err)
			if ctx.Err() == nil && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				t.logger.Warn("ws read failed", "endpoint", endpoint, "err", err)
				t.emit(func(h Handler) { h.OnError(fmt.Errorf("read %s: %w", endpoint, err)) })
			}
			t.emit(func(h Handler) { h.OnClose() })
			return
		}
		t.emit(func(h Handler) { h.OnMessage(data) })
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, t.opts.PingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					t.logger.Warn("ws ping failed", "err", err)
				}
				_ = conn.CloseNow()
				return
			}
		}
	}
}

// emit delivers a callback unless Close has been called.
func (t *Transport) emit(fn func(Handler)) {
	if t.closed.Load() || t.handler == nil {
		return
	}
	fn(t.handler)
}

func (t *Transport) setState(s state) {
	t.mu.Lock()
	if t.state != stateClosed {
		t.state = s
	}
	t.mu.Unlock()
}

// IsOpen reports whether frames can currently be sent.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen && t.conn != nil
}

// Send writes one text frame. Sending on a transport that is not open is a
// logged no-op returning ErrNotOpen.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == stateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		t.logger.Warn("ws send on closed transport", "bytes", len(frame))
		return ErrNotOpen
	}

	wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		t.logger.Warn("ws write failed", "err", err)
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// Close tears the connection down. It is idempotent, and no callback that
// has not started yet is delivered after it returns.
func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.state = stateClosed
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn == nil {
		cancel()
		return
	}
	go func() {
		_ = conn.Close(websocket.StatusNormalClosure, closeReasonDone)
		cancel()
	}()
}

// Wait blocks until the reader goroutine of the last Open has exited.
func (t *Transport) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}
