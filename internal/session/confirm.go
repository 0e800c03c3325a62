package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

// ErrNoPendingConfirmation is returned when answering a confirmation that is
// unknown or already settled.
var ErrNoPendingConfirmation = errors.New("no pending confirmation")

// RespondToConfirmation approves or denies a pending confirmation request.
// The answer goes over the turn's socket while it is open and through the
// HTTP endpoint otherwise. A failed submission leaves the entry pending and
// does not touch the session error.
func (s *ChatSession) RespondToConfirmation(ctx context.Context, id types.ConfirmationID, approve bool) error {
	s.mu.Lock()
	entry := s.findConfirmationLocked(id)
	if entry == nil || entry.Status != types.ConfirmationPending {
		s.mu.Unlock()
		return &types.SubmissionError{Op: "respond to confirmation " + string(id), Err: ErrNoPendingConfirmation}
	}
	var live *threads.LiveTurn
	if owner := s.bindings[id]; owner != nil && owner.live != nil && owner.live.IsConnected() {
		live = owner.live
	}
	threadID := s.threadLocked()
	s.mu.Unlock()

	var err error
	if live != nil {
		s.logger.Debug("answering confirmation over socket", "confirmation_id", id, "approve", approve)
		if serr := live.SendConfirmation(ctx, id, approve); serr != nil {
			err = &types.SubmissionError{Op: "send confirmation", Err: serr}
		}
	} else {
		if threadID == "" {
			err = &types.SubmissionError{Op: "send confirmation", Err: fmt.Errorf("no active thread for %s", id)}
		} else {
			s.logger.Debug("answering confirmation over http", "confirmation_id", id, "approve", approve)
			err = s.client.SendUserConfirmation(ctx, threads.Confirmation{
				ThreadID:       threadID,
				ConfirmationID: id,
				Confirm:        approve,
			})
		}
	}
	if err != nil {
		s.logger.Warn("confirmation submission failed", "confirmation_id", id, "error", err)
		if s.opts.Notifier != nil {
			s.opts.Notifier.Notify(Notification{Level: NotifyError, Message: "Could not send your answer", Err: err})
		}
		return err
	}

	s.mutate(func(fx *effects) {
		entry := s.findConfirmationLocked(id)
		if entry == nil || entry.Status != types.ConfirmationPending {
			return
		}
		resp := types.UserConfirmationResponse{Response: types.ConfirmationDeny, ConfirmationRequestID: id}
		if approve {
			entry.Status = types.ConfirmationApproved
			resp.Response = types.ConfirmationApprove
		} else {
			entry.Status = types.ConfirmationDenied
		}
		s.recordSentLocked(s.bindings[id], resp, fx)
		delete(s.bindings, id)
	})
	return nil
}

func (s *ChatSession) findConfirmationLocked(id types.ConfirmationID) *types.UserConfirmationEntry {
	for i := len(s.timeline) - 1; i >= 0; i-- {
		if c, ok := s.timeline[i].(*types.UserConfirmationEntry); ok && c.ConfirmationID == id {
			return c
		}
	}
	return nil
}

// timeoutConfirmationLocked marks the named confirmation, or the most recent
// pending one when the server does not say which, as timed out.
func (s *ChatSession) timeoutConfirmationLocked(id types.ConfirmationID, fx *effects) {
	var entry *types.UserConfirmationEntry
	if id != "" {
		entry = s.findConfirmationLocked(id)
	} else {
		for i := len(s.timeline) - 1; i >= 0; i-- {
			if c, ok := s.timeline[i].(*types.UserConfirmationEntry); ok && c.Status == types.ConfirmationPending {
				entry = c
				break
			}
		}
	}
	if entry == nil || entry.Status != types.ConfirmationPending {
		s.logger.Debug("confirmation timeout without pending request", "confirmation_id", id)
		return
	}
	entry.Status = types.ConfirmationTimedOut
	delete(s.bindings, entry.ConfirmationID)
	terr := &types.TimeoutError{ConfirmationID: entry.ConfirmationID}
	s.notify(fx, Notification{Level: NotifyWarning, Message: "Confirmation request timed out", Err: terr})
}
