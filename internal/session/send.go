package session

import (
	"context"
	"fmt"
	"time"

	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

// SendMessage appends the user's message to the timeline and delivers it.
// While a turn is streaming the message goes over the open socket;
// otherwise a new live turn is opened for the active thread, or a new
// thread when none is active. The returned error is also recorded as the
// session error.
func (s *ChatSession) SendMessage(ctx context.Context, text string) error {
	var (
		busy     bool
		reuse    *threads.LiveTurn
		t        *turn
		threadID types.ThreadID
	)
	s.mutate(func(fx *effects) {
		if s.state == TurnConnecting || s.state == TurnCompleting {
			busy = true
			return
		}
		if t := s.turn; s.state == TurnStreaming && t != nil && t.live != nil && !t.live.IsConnected() {
			// The socket died before its close was handled.
			s.interruptLocked(t, nil)
		}
		threadID = s.threadLocked()
		s.err = nil
		s.timeline = append(s.timeline, &types.SelfMessage{
			Message:      text,
			ThreadID:     threadID,
			ResponseMode: types.ResponseModeStream,
		})
		if s.state == TurnStreaming && s.turn != nil && s.turn.live != nil && s.turn.live.IsConnected() {
			reuse = s.turn.live
			t = s.turn
		} else {
			t = s.beginTurnLocked()
		}
		s.recordSentLocked(t, types.UserMessage{Message: text, Timestamp: time.Now().UTC()}, fx)
	})
	if busy {
		return ErrTurnBusy
	}

	if reuse != nil {
		s.logger.Debug("sending follow-up on open turn", "thread_id", threadID)
		if err := reuse.SendMessage(ctx, text); err != nil {
			s.failTurn(t, fmt.Errorf("send message: %w", err))
			return err
		}
		return nil
	}

	s.logger.Debug("opening live turn", "thread_id", threadID)
	live, err := s.client.OpenLiveTurn(ctx, threads.LiveTurnRequest{
		ThreadID: threadID,
		Message:  text,
		OnEvent: func(ctx context.Context, ev types.ServerEvent, lt *threads.LiveTurn) {
			s.handleEvent(ctx, t, ev, lt)
		},
		OnThreadIDChange: func(id types.ThreadID) {
			s.handleThreadID(t, id)
		},
		OnComplete: func(err error) {
			s.handleClose(t, err)
		},
	})
	if err != nil {
		s.failTurn(t, err)
		return err
	}

	s.mutate(func(fx *effects) {
		if s.turn != t {
			// Completed, canceled or superseded while the handshake ran.
			fx.add(func() { _ = live.Disconnect(ctx) })
			return
		}
		t.live = live
		if !live.IsConnected() {
			s.interruptLocked(t, nil)
			return
		}
		s.moveLocked(TurnStreaming)
	})
	return nil
}

// failTurn records a failed open or send as an error entry and leaves the
// turn slot errored.
func (s *ChatSession) failTurn(t *turn, err error) {
	var live *threads.LiveTurn
	s.mutate(func(fx *effects) {
		if s.turn != t {
			return
		}
		s.logger.Warn("live turn failed", "error", err)
		live = s.endTurnLocked(t, false)
		s.err = err
		s.timeline = append(s.timeline, &types.ErrorEntry{
			Message:      err.Error(),
			ThreadID:     s.threadLocked(),
			ResponseMode: types.ResponseModeStream,
		})
		s.moveLocked(TurnErrored)
		s.notify(fx, Notification{Level: NotifyError, Message: "Message could not be delivered", Err: err})
	})
	if live != nil {
		_ = live.Disconnect(context.Background())
	}
}

// Disconnect abandons the live turn, if any. Confirmations still waiting on
// it are marked canceled.
func (s *ChatSession) Disconnect(ctx context.Context) error {
	var live *threads.LiveTurn
	s.mutate(func(fx *effects) {
		if s.turn == nil {
			return
		}
		live = s.endTurnLocked(s.turn, true)
		s.moveLocked(TurnIdle)
	})
	if live == nil {
		return nil
	}
	return live.Disconnect(ctx)
}
