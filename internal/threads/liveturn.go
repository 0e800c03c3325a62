package threads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/pacha/internal/transport"
	"github.com/user/pacha/internal/types"
)

// LiveTurnRequest describes one live turn. Callbacks run on the transport's
// read goroutine, in event order.
type LiveTurnRequest struct {
	ThreadID types.ThreadID
	Message  string

	// OnEvent receives every server event together with the turn, so that
	// replies (confirmations) can go back over the same socket.
	OnEvent func(ctx context.Context, ev types.ServerEvent, turn *LiveTurn)
	// OnThreadIDChange is called when accept_interaction names a thread
	// other than the one the turn was opened for.
	OnThreadIDChange func(id types.ThreadID)
	// OnComplete is called once when the socket closes, with nil for a
	// local disconnect.
	OnComplete func(err error)
}

// LiveTurn is a handle on an open socket for one conversation turn.
type LiveTurn struct {
	transport transport.Transport
	now       func() time.Time

	mu       sync.Mutex
	threadID types.ThreadID
}

// OpenLiveTurn connects a transport for the request's thread, performs the
// client_init/user_message handshake and returns the turn handle. Events may
// be delivered to OnEvent before OpenLiveTurn returns.
func (c *Client) OpenLiveTurn(ctx context.Context, req LiveTurnRequest) (*LiveTurn, error) {
	url := c.socketURL(req.ThreadID)
	tr := c.dial(url, c.authHeader())
	turn := &LiveTurn{transport: tr, threadID: req.ThreadID, now: time.Now}

	tr.OnMessage(func(ctx context.Context, ev types.ServerEvent) {
		if accept, ok := ev.(types.AcceptInteraction); ok && turn.assignThread(accept.ThreadID) {
			if req.OnThreadIDChange != nil {
				req.OnThreadIDChange(accept.ThreadID)
			}
		}
		if req.OnEvent != nil {
			req.OnEvent(ctx, ev, turn)
		}
	})
	tr.OnClose(func(err error) {
		if req.OnComplete != nil {
			req.OnComplete(err)
		}
	})

	c.logger.Debug("opening live turn", "url", url, "thread_id", req.ThreadID)
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	if err := tr.Send(ctx, types.ClientInit{Version: types.ProtocolVersion}); err != nil {
		_ = tr.Disconnect(ctx)
		return nil, &types.ConnectionError{URL: url, Err: fmt.Errorf("handshake: %w", err)}
	}
	if err := turn.SendMessage(ctx, req.Message); err != nil {
		_ = tr.Disconnect(ctx)
		return nil, &types.ConnectionError{URL: url, Err: fmt.Errorf("handshake: %w", err)}
	}
	return turn, nil
}

func (t *LiveTurn) assignThread(id types.ThreadID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" || id == t.threadID {
		return false
	}
	t.threadID = id
	return true
}

// ThreadID returns the thread the turn belongs to, which is empty for a new
// thread until the server accepts the interaction.
func (t *LiveTurn) ThreadID() types.ThreadID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

// SendMessage sends a further user message over the open socket.
func (t *LiveTurn) SendMessage(ctx context.Context, message string) error {
	return t.transport.Send(ctx, types.UserMessage{Message: message, Timestamp: t.now().UTC()})
}

// SendConfirmation answers a confirmation request over the open socket.
func (t *LiveTurn) SendConfirmation(ctx context.Context, id types.ConfirmationID, approve bool) error {
	resp := types.ConfirmationDeny
	if approve {
		resp = types.ConfirmationApprove
	}
	return t.transport.Send(ctx, types.UserConfirmationResponse{Response: resp, ConfirmationRequestID: id})
}

func (t *LiveTurn) Disconnect(ctx context.Context) error {
	return t.transport.Disconnect(ctx)
}

func (t *LiveTurn) IsConnected() bool {
	return t.transport.IsConnected()
}
