package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/user/pacha/internal/types"
)

func newTestServer(t *testing.T, fn func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		fn(conn, r)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain blocks until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectSendReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	received := make(chan string, 1)
	srv := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		if r.Header.Get("X-Test-Token") != "secret" {
			t.Errorf("missing handshake header")
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"llm_call"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"code_output","code_block_id":"a","output_chunk":"foo"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"completion"}`))
		drain(conn)
	})
	defer srv.Close()

	header := http.Header{}
	header.Set("X-Test-Token", "secret")
	ws := NewWebSocket(wsURL(srv), WithHeader(header))

	events := make(chan types.ServerEvent, 3)
	ws.OnMessage(func(_ context.Context, ev types.ServerEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if !ws.IsConnected() {
		t.Fatal("expected connected after Connect")
	}
	if err := ws.Send(ctx, types.ClientInit{Version: types.ProtocolVersion}); err != nil {
		t.Fatal(err)
	}

	if got := <-received; got != `{"type":"client_init","version":"v1"}` {
		t.Errorf("unexpected frame %s", got)
	}

	want := []string{types.EventLLMCall, types.EventCodeOutput, types.EventCompletion}
	for i, w := range want {
		select {
		case ev := <-events:
			if ev.EventType() != w {
				t.Errorf("event %d: expected %s, got %s", i, w, ev.EventType())
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if err := ws.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if ws.IsConnected() {
		t.Error("expected disconnected after Disconnect")
	}
}

func TestSendWhenNotConnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws := NewWebSocket("ws://127.0.0.1:1/never")
	err := ws.Send(context.Background(), types.ClientInit{Version: types.ProtocolVersion})
	if !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before connect, got %v", err)
	}

	srv := newTestServer(t, func(conn *websocket.Conn, _ *http.Request) { drain(conn) })
	defer srv.Close()

	ws = NewWebSocket(wsURL(srv))
	ctx := context.Background()
	if err := ws.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ws.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	err = ws.Send(ctx, types.UserMessage{Message: "late"})
	if !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	never := NewWebSocket("ws://127.0.0.1:1/never")
	if err := never.Disconnect(ctx); err != nil {
		t.Errorf("disconnect before connect: %v", err)
	}
	if err := never.Disconnect(ctx); err != nil {
		t.Errorf("second disconnect before connect: %v", err)
	}

	srv := newTestServer(t, func(conn *websocket.Conn, _ *http.Request) { drain(conn) })
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv))
	var closes atomic.Int32
	var closeErr atomic.Value
	ws.OnClose(func(err error) {
		closes.Add(1)
		if err != nil {
			closeErr.Store(err)
		}
	})
	if err := ws.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ws.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ws.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for closes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := closes.Load(); n != 1 {
		t.Errorf("expected exactly one close callback, got %d", n)
	}
	if v := closeErr.Load(); v != nil {
		t.Errorf("expected nil error for local disconnect, got %v", v)
	}
}

func TestOnCloseWhenServerCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"llm_call"}`))
	})
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv))
	closed := make(chan error, 1)
	ws.OnClose(func(err error) { closed <- err })

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-closed:
		if err == nil {
			t.Error("expected read error for remote close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close callback not called")
	}
	if ws.IsConnected() {
		t.Error("expected disconnected after remote close")
	}
}

func TestConnectFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv))
	err := ws.Connect(context.Background())
	var connErr *types.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected status in error, got %v", err)
	}
	if ws.IsConnected() {
		t.Error("expected not connected after failed connect")
	}
}

func TestDisconnectFromHandlerStopsDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"completion"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"server_error","message":"after"}`))
		drain(conn)
	})
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv))
	var seen atomic.Int32
	closed := make(chan struct{})
	ws.OnMessage(func(ctx context.Context, ev types.ServerEvent) {
		seen.Add(1)
		if ev.EventType() == types.EventCompletion {
			if err := ws.Disconnect(ctx); err != nil {
				t.Errorf("disconnect from handler: %v", err)
			}
			if ws.IsConnected() {
				t.Error("expected disconnected immediately after Disconnect")
			}
		}
	})
	ws.OnClose(func(error) { close(closed) })

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close callback not called")
	}
	if n := seen.Load(); n != 1 {
		t.Errorf("expected 1 dispatched event, got %d", n)
	}
}

func TestUndecodableFrameSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"completion"}`))
		drain(conn)
	})
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv))
	events := make(chan types.ServerEvent, 2)
	ws.OnMessage(func(_ context.Context, ev types.ServerEvent) { events <- ev })

	ctx := context.Background()
	if err := ws.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer ws.Disconnect(ctx)

	select {
	case ev := <-events:
		if ev.EventType() != types.EventCompletion {
			t.Errorf("expected completion, got %s", ev.EventType())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}
