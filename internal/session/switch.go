package session

import (
	"context"

	"github.com/user/pacha/internal/history"
	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

// SwitchThread makes id the active thread. Any live turn is abandoned and
// the timeline and tables are cleared; a non-empty id then loads the
// thread's history. An empty id returns to the home view. Switching to the
// already active thread does nothing.
//
// A load that finishes after a newer switch is discarded.
func (s *ChatSession) SwitchThread(ctx context.Context, id types.ThreadID) error {
	var (
		noop bool
		gen  uint64
		live *threads.LiveTurn
	)
	s.mutate(func(fx *effects) {
		if id == s.targetThreadID {
			noop = true
			return
		}
		if s.turn != nil {
			live = s.endTurnLocked(s.turn, true)
		}
		s.moveLocked(TurnIdle)
		s.resetLocked()
		s.targetThreadID = id
		s.switchGen++
		gen = s.switchGen
		s.historyLoading = id != ""
	})
	if noop {
		return nil
	}
	if live != nil {
		if err := live.Disconnect(ctx); err != nil {
			s.logger.Warn("disconnect on thread switch failed", "error", err)
		}
	}
	if id == "" {
		return nil
	}

	s.logger.Debug("loading thread history", "thread_id", id)
	thread, err := s.client.GetThread(ctx, id)

	var loadErr error
	s.mutate(func(fx *effects) {
		if gen != s.switchGen {
			s.logger.Debug("discarding stale history load", "thread_id", id)
			return
		}
		s.historyLoading = false
		if err != nil {
			loadErr = &ThreadLoadError{ThreadID: id, Err: err}
			s.logger.Warn("loading thread history failed", "thread_id", id, "error", err)
			s.err = loadErr
			return
		}
		s.mergeHistoryLocked(history.Project(thread))
	})
	return loadErr
}

// mergeHistoryLocked installs a projection beneath whatever the live stream
// has already produced since the switch.
func (s *ChatSession) mergeHistoryLocked(p history.Projection) {
	s.timeline = append(p.Timeline, s.timeline...)
	for id, out := range s.toolOutputs {
		p.ToolOutputs[id] = out
	}
	s.toolOutputs = p.ToolOutputs
	for id, art := range s.artifacts {
		p.Artifacts[id] = art
	}
	s.artifacts = p.Artifacts
}
