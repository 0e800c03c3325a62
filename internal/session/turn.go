package session

import (
	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

// TurnState is the lifecycle state of the live turn slot.
type TurnState string

const (
	TurnIdle       TurnState = "idle"
	TurnConnecting TurnState = "connecting"
	TurnStreaming  TurnState = "streaming"
	TurnCompleting TurnState = "completing"
	TurnErrored    TurnState = "errored"
)

func (s TurnState) loading() bool {
	switch s {
	case TurnConnecting, TurnStreaming, TurnCompleting:
		return true
	}
	return false
}

var turnTransitions = map[TurnState][]TurnState{
	TurnIdle:       {TurnConnecting},
	TurnConnecting: {TurnStreaming, TurnErrored, TurnIdle},
	TurnStreaming:  {TurnCompleting, TurnErrored, TurnIdle},
	TurnCompleting: {TurnIdle},
	TurnErrored:    {TurnConnecting, TurnIdle},
}

func canTransition(from, to TurnState) bool {
	for _, next := range turnTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// moveLocked transitions the turn slot. Invalid transitions are logged and
// refused.
func (s *ChatSession) moveLocked(to TurnState) bool {
	if s.state == to {
		return true
	}
	if !canTransition(s.state, to) {
		s.logger.Warn("invalid turn transition", "from", s.state, "to", to)
		return false
	}
	s.logger.Debug("turn transition", "from", s.state, "to", to)
	s.state = to
	return true
}

// turn is one socket's worth of conversation. Callbacks from a turn that is
// no longer the session's current turn are ignored.
type turn struct {
	live *threads.LiveTurn
	// pending holds events seen before the thread id was known.
	pending []record
}

// beginTurnLocked starts a new turn in the connecting state.
func (s *ChatSession) beginTurnLocked() *turn {
	t := &turn{}
	s.turn = t
	s.moveLocked(TurnConnecting)
	return t
}

// endTurnLocked detaches t from the session and returns its socket, which
// the caller disconnects after releasing the lock.
func (s *ChatSession) endTurnLocked(t *turn, cancel bool) *threads.LiveTurn {
	if s.turn == t {
		s.turn = nil
	}
	if cancel {
		for id, owner := range s.bindings {
			if owner != t {
				continue
			}
			if entry := s.findConfirmationLocked(id); entry != nil && entry.Status == types.ConfirmationPending {
				entry.Status = types.ConfirmationCanceled
			}
			delete(s.bindings, id)
		}
	}
	return t.live
}
