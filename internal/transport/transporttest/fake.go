// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"net/http"
	"sync"

	"github.com/user/pacha/internal/transport"
	"github.com/user/pacha/internal/types"
)

// Fake is a Transport driven by the test. Emit delivers server events
// synchronously; Close simulates the peer dropping the connection.
type Fake struct {
	URL    string
	Header http.Header

	mu         sync.Mutex
	connectErr error
	sendErr    error
	connected  bool
	ended      bool
	emitting   bool
	closeAfter bool
	sent       []types.ClientEvent
	onMessage  func(ctx context.Context, ev types.ServerEvent)
	onClose    func(err error)
}

var _ transport.Transport = (*Fake)(nil)

// FailConnect makes Connect return err.
func (f *Fake) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailSend makes Send return err while connected.
func (f *Fake) FailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *Fake) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return &types.ConnectionError{URL: f.URL, Err: f.connectErr}
	}
	f.connected = true
	return nil
}

func (f *Fake) Send(_ context.Context, ev types.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return types.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *Fake) OnMessage(fn func(ctx context.Context, ev types.ServerEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *Fake) OnClose(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

// Disconnect ends the connection. As with the websocket transport, a
// disconnect requested from inside a handler delivers OnClose after the
// handler returns.
func (f *Fake) Disconnect(_ context.Context) error {
	f.mu.Lock()
	wasOpen := f.connected
	f.connected = false
	if !wasOpen || f.ended {
		f.mu.Unlock()
		return nil
	}
	if f.emitting {
		f.closeAfter = true
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	f.end(nil)
	return nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Emit delivers ev to the message handler if the transport is connected.
// It reports whether the event was delivered.
func (f *Fake) Emit(ev types.ServerEvent) bool {
	f.mu.Lock()
	handler := f.onMessage
	if !f.connected || handler == nil {
		f.mu.Unlock()
		return false
	}
	f.emitting = true
	f.mu.Unlock()

	handler(context.Background(), ev)

	f.mu.Lock()
	f.emitting = false
	closeAfter := f.closeAfter
	f.closeAfter = false
	f.mu.Unlock()
	if closeAfter {
		f.end(nil)
	}
	return true
}

// Close simulates the peer closing the connection with err.
func (f *Fake) Close(err error) {
	f.mu.Lock()
	wasOpen := f.connected
	f.connected = false
	f.mu.Unlock()
	if wasOpen {
		f.end(err)
	}
}

// Drop marks the connection lost without running the close handler, as
// when the socket dies before its reader notices. Closed delivers it.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// Closed runs the close handler after a Drop.
func (f *Fake) Closed(err error) {
	f.end(err)
}

func (f *Fake) end(err error) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

// Sent returns a copy of the client events written so far.
func (f *Fake) Sent() []types.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ClientEvent(nil), f.sent...)
}

// Dialer hands out Fakes and remembers them in creation order.
type Dialer struct {
	mu         sync.Mutex
	fakes      []*Fake
	connectErr error
}

// FailConnect makes every subsequently dialed Fake fail to connect.
func (d *Dialer) FailConnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// Dial matches threads.TransportFactory.
func (d *Dialer) Dial(url string, header http.Header) transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := &Fake{URL: url, Header: header.Clone(), connectErr: d.connectErr}
	d.fakes = append(d.fakes, f)
	return f
}

// Count returns how many transports were dialed.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fakes)
}

// Last returns the most recently dialed Fake, or nil.
func (d *Dialer) Last() *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fakes) == 0 {
		return nil
	}
	return d.fakes[len(d.fakes)-1]
}
