// Package transport provides the duplex socket used by a live chat turn.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/pacha/internal/types"
)

// Transport is a duplex event connection owned by exactly one turn.
type Transport interface {
	// Connect opens the connection and returns once it is usable.
	Connect(ctx context.Context) error
	// Send writes one client event. It returns types.ErrNotConnected
	// before Connect succeeds or after the connection ends.
	Send(ctx context.Context, ev types.ClientEvent) error
	// OnMessage sets the handler for received events. Only the last
	// registered handler is called.
	OnMessage(fn func(ctx context.Context, ev types.ServerEvent))
	// OnClose sets the handler called once when an open connection ends.
	// The error is nil when the close was requested locally.
	OnClose(fn func(err error))
	// Disconnect closes the connection. It is idempotent.
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// closeGrace bounds the close frame write on Disconnect.
const closeGrace = time.Second

type dispatchKey struct{}

// WebSocket implements Transport over a gorilla websocket connection.
// Received events are dispatched from a single read goroutine in arrival
// order.
type WebSocket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	done      chan struct{}
	onMessage func(ctx context.Context, ev types.ServerEvent)
	onClose   func(err error)

	writeMu sync.Mutex
}

var _ Transport = (*WebSocket)(nil)

// Option configures a WebSocket.
type Option func(*WebSocket)

// WithHeader sets headers sent with the opening handshake.
func WithHeader(h http.Header) Option {
	return func(w *WebSocket) { w.header = h.Clone() }
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(w *WebSocket) { w.dialer = d }
}

// WithLogger sets the logger used for dropped frames and close reasons.
func WithLogger(l *slog.Logger) Option {
	return func(w *WebSocket) { w.logger = l }
}

// NewWebSocket creates an unconnected WebSocket for the given ws:// or wss:// URL.
func NewWebSocket(url string, opts ...Option) *WebSocket {
	w := &WebSocket{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.conn != nil || w.closing {
		w.mu.Unlock()
		return &types.ConnectionError{URL: w.url, Err: fmt.Errorf("transport already used")}
	}
	w.mu.Unlock()

	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &types.ConnectionError{URL: w.url, Err: err}
	}

	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		conn.Close()
		return &types.ConnectionError{URL: w.url, Err: fmt.Errorf("disconnected while connecting")}
	}
	w.conn = conn
	w.connected = true
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.readLoop(conn, done)
	return nil
}

func (w *WebSocket) Send(ctx context.Context, ev types.ClientEvent) error {
	w.mu.Lock()
	conn, connected := w.conn, w.connected
	w.mu.Unlock()
	if !connected {
		return types.ErrNotConnected
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", ev.EventType(), err)
	}
	return nil
}

func (w *WebSocket) OnMessage(fn func(ctx context.Context, ev types.ServerEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = fn
}

func (w *WebSocket) OnClose(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = fn
}

// Disconnect sends a close frame, closes the socket and waits for the read
// loop to exit. Called from inside a message handler it returns without
// waiting; no further events are dispatched in either case.
func (w *WebSocket) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	conn, done := w.conn, w.done
	already := w.closing
	w.closing = true
	w.connected = false
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	if !already {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
			w.logger.Debug("close frame not sent", "url", w.url, "error", err)
		}
		conn.Close()
	}

	if ctx.Value(dispatchKey{}) == w {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		w.mu.Lock()
		w.connected = false
		local := w.closing
		onClose := w.onClose
		w.mu.Unlock()

		conn.Close()
		close(done)

		if local {
			readErr = nil
		} else {
			w.logger.Debug("socket closed by peer", "url", w.url, "error", readErr)
		}
		if onClose != nil {
			onClose(readErr)
		}
	}()

	ctx := context.WithValue(context.Background(), dispatchKey{}, w)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		ev, err := types.DecodeServerEvent(data)
		if err != nil {
			w.logger.Warn("dropping undecodable frame", "url", w.url, "error", err)
			continue
		}

		w.mu.Lock()
		handler, closing := w.onMessage, w.closing
		w.mu.Unlock()
		if closing {
			return
		}
		if handler != nil {
			handler(ctx, ev)
		}
	}
}
