package session

import (
	"context"

	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

// Apply merges a server event into the session outside of any live turn.
// It is used to replay recorded events; completion has no turn to end.
func (s *ChatSession) Apply(ev types.ServerEvent) {
	s.mutate(func(fx *effects) {
		s.applyLocked(context.Background(), nil, ev, fx)
	})
}

// ApplySent merges an event the user sent, as read back from a journal.
// Messages join the timeline and answers settle their confirmation.
func (s *ChatSession) ApplySent(ev types.ClientEvent) {
	s.mutate(func(fx *effects) {
		switch e := ev.(type) {
		case types.UserMessage:
			s.timeline = append(s.timeline, &types.SelfMessage{
				Message:      e.Message,
				ThreadID:     s.threadLocked(),
				ResponseMode: types.ResponseModeStream,
			})
		case types.UserConfirmationResponse:
			entry := s.findConfirmationLocked(e.ConfirmationRequestID)
			if entry == nil || entry.Status != types.ConfirmationPending {
				return
			}
			if e.Response == types.ConfirmationApprove {
				entry.Status = types.ConfirmationApproved
			} else {
				entry.Status = types.ConfirmationDenied
			}
		default:
			s.logger.Debug("ignoring sent event", "type", ev.EventType())
		}
	})
}

func (s *ChatSession) handleEvent(ctx context.Context, t *turn, ev types.ServerEvent, live *threads.LiveTurn) {
	s.mutate(func(fx *effects) {
		if s.turn != t {
			s.logger.Debug("dropping event from stale turn", "type", ev.EventType())
			return
		}
		if t.live == nil {
			t.live = live
		}
		if s.state == TurnConnecting {
			s.moveLocked(TurnStreaming)
		}
		s.recordLocked(t, ev, fx)
		s.applyLocked(ctx, t, ev, fx)
	})
}

func (s *ChatSession) handleThreadID(t *turn, id types.ThreadID) {
	s.mutate(func(fx *effects) {
		if s.turn != t {
			return
		}
		s.assignThreadLocked(id, fx)
	})
}

// handleClose runs when a turn's socket closes. A turn that already
// completed is no longer current, so only interrupted turns get here.
func (s *ChatSession) handleClose(t *turn, err error) {
	s.mutate(func(fx *effects) {
		if s.turn != t || s.state == TurnConnecting {
			// Connect failures are reported by OpenLiveTurn.
			return
		}
		s.interruptLocked(t, err)
	})
}

func (s *ChatSession) interruptLocked(t *turn, err error) {
	s.endTurnLocked(t, false)
	if s.opts.Interruption == InterruptionReport {
		ierr := &types.InterruptedError{Err: err}
		s.logger.Warn("live turn interrupted", "error", err)
		s.err = ierr
		s.timeline = append(s.timeline, &types.ErrorEntry{
			Message:      ierr.Error(),
			ThreadID:     s.threadLocked(),
			ResponseMode: types.ResponseModeStream,
		})
		s.moveLocked(TurnErrored)
		return
	}
	s.logger.Debug("live turn closed without completion", "error", err)
	s.moveLocked(TurnCompleting)
	s.moveLocked(TurnIdle)
}

func (s *ChatSession) applyLocked(ctx context.Context, t *turn, ev types.ServerEvent, fx *effects) {
	switch e := ev.(type) {
	case types.AcceptInteraction:
		s.assignThreadLocked(e.ThreadID, fx)
	case types.AssistantMessageResponse:
		s.applyMessageChunkLocked(e)
	case types.AssistantCodeResponse:
		s.applyCodeLocked(e)
	case types.CodeOutput:
		s.upsertOutputLocked(e.CodeBlockID, e.OutputChunk)
	case types.CodeError:
		s.upsertErrorLocked(e.CodeBlockID, e.Error)
	case types.ArtifactUpdate:
		s.upsertArtifactLocked(e.Artifact)
	case types.UserConfirmationRequest:
		s.timeline = append(s.timeline, &types.UserConfirmationEntry{
			Message:        e.Message,
			ConfirmationID: e.ConfirmationRequestID,
			Status:         types.ConfirmationPending,
			ResponseMode:   types.ResponseModeStream,
		})
		if t != nil {
			s.bindings[e.ConfirmationRequestID] = t
		}
	case types.UserConfirmationTimeout:
		s.timeoutConfirmationLocked(e.ConfirmationRequestID, fx)
	case types.ServerError:
		s.logger.Warn("server reported error", "message", e.Message)
		s.err = &types.ProtocolError{Message: e.Message}
		s.timeline = append(s.timeline, &types.ErrorEntry{
			Message:      e.Message,
			ThreadID:     s.threadLocked(),
			ResponseMode: types.ResponseModeStream,
		})
	case types.Completion:
		if t == nil {
			return
		}
		s.moveLocked(TurnCompleting)
		if live := s.endTurnLocked(t, false); live != nil {
			fx.add(func() {
				if err := live.Disconnect(ctx); err != nil {
					s.logger.Warn("disconnect after completion failed", "error", err)
				}
			})
		}
		s.moveLocked(TurnIdle)
	case types.LLMCall, types.ExecutingCode:
		s.logger.Debug("progress event", "type", e.EventType())
	default:
		s.logger.Debug("ignoring event", "type", ev.EventType())
	}
}

// assignThreadLocked records the server-assigned thread id. The id is set
// once per view; later differing ids are ignored.
func (s *ChatSession) assignThreadLocked(id types.ThreadID, fx *effects) {
	if id == "" {
		return
	}
	switch s.currentThreadID {
	case id:
	case "":
		s.currentThreadID = id
		for _, e := range s.timeline {
			switch m := e.(type) {
			case *types.SelfMessage:
				if m.ThreadID == "" {
					m.ThreadID = id
				}
			case *types.AssistantMessage:
				if m.ThreadID == "" {
					m.ThreadID = id
				}
			case *types.ErrorEntry:
				if m.ThreadID == "" {
					m.ThreadID = id
				}
			}
		}
		if s.turn != nil {
			s.flushPendingLocked(s.turn, id, fx)
		}
	default:
		s.logger.Warn("ignoring thread id change", "current", s.currentThreadID, "received", id)
		return
	}

	if s.targetThreadID == id {
		return
	}
	s.targetThreadID = id
	if r := s.opts.Router; r != nil {
		fx.add(func() { r.NavigateToThread(id) })
	}
	if r := s.opts.Refresher; r != nil {
		fx.add(r.RefreshThreads)
	}
}

func (s *ChatSession) applyMessageChunkLocked(e types.AssistantMessageResponse) {
	if s.opts.AssistantChunks == ChunksConcatenate {
		if msg := s.findAssistantLocked(e.AssistantActionID); msg != nil {
			msg.Message += e.MessageChunk
			return
		}
	}
	s.timeline = append(s.timeline, s.newAssistantLocked(e.AssistantActionID, e.MessageChunk))
}

func (s *ChatSession) applyCodeLocked(e types.AssistantCodeResponse) {
	msg := s.findAssistantLocked(e.AssistantActionID)
	if msg == nil {
		msg = s.newAssistantLocked(e.AssistantActionID, "")
		s.timeline = append(s.timeline, msg)
	}
	msg.ToolCalls = []types.ToolCall{{
		Name:   types.ToolNamePython,
		CallID: e.CodeBlockID,
		Input:  types.ToolInput{PythonCode: e.CodeChunk},
	}}
}

func (s *ChatSession) newAssistantLocked(id types.ActionID, message string) *types.AssistantMessage {
	return &types.AssistantMessage{
		Message:           message,
		AssistantActionID: id,
		ToolCalls:         []types.ToolCall{},
		ThreadID:          s.threadLocked(),
		ResponseMode:      types.ResponseModeStream,
	}
}

func (s *ChatSession) findAssistantLocked(id types.ActionID) *types.AssistantMessage {
	for i := len(s.timeline) - 1; i >= 0; i-- {
		if msg, ok := s.timeline[i].(*types.AssistantMessage); ok && msg.AssistantActionID == id {
			return msg
		}
	}
	return nil
}

func (s *ChatSession) upsertOutputLocked(id types.CodeBlockID, chunk string) {
	if out, ok := s.toolOutputs[id]; ok {
		out.Output.Output += chunk
		return
	}
	s.toolOutputs[id] = &types.ToolCallResponse{
		CallID: id,
		Output: types.ToolOutput{Output: chunk},
	}
}

func (s *ChatSession) upsertErrorLocked(id types.CodeBlockID, msg string) {
	if out, ok := s.toolOutputs[id]; ok {
		out.Output.Error = &msg
		return
	}
	s.toolOutputs[id] = &types.ToolCallResponse{
		CallID: id,
		Output: types.ToolOutput{Error: &msg},
	}
}

func (s *ChatSession) upsertArtifactLocked(p types.ArtifactPayload) {
	data := append([]byte(nil), p.Data...)
	if art, ok := s.artifacts[p.Identifier]; ok {
		art.ArtifactType = types.ArtifactTable
		art.Title = p.Title
		art.Data = data
		return
	}
	// Streamed artifacts are always tables, whatever the payload claims.
	s.artifacts[p.Identifier] = &types.Artifact{
		Identifier:   p.Identifier,
		ArtifactType: types.ArtifactTable,
		Title:        p.Title,
		Data:         data,
		ResponseMode: types.ResponseModeStream,
	}
}

// record is one journal entry: a received or a sent event.
type record struct {
	received types.ServerEvent
	sent     types.ClientEvent
}

func (r record) eventType() string {
	if r.sent != nil {
		return r.sent.EventType()
	}
	return r.received.EventType()
}

// recordLocked hands ev to the recorder, buffering until the thread id is
// known.
func (s *ChatSession) recordLocked(t *turn, ev types.ServerEvent, fx *effects) {
	if s.opts.Recorder == nil {
		return
	}
	id := s.threadLocked()
	if accept, ok := ev.(types.AcceptInteraction); ok && id == "" {
		id = accept.ThreadID
	}
	s.queueRecordLocked(t, id, record{received: ev}, fx)
}

// recordSentLocked records an event the user sent on t.
func (s *ChatSession) recordSentLocked(t *turn, ev types.ClientEvent, fx *effects) {
	if s.opts.Recorder == nil {
		return
	}
	s.queueRecordLocked(t, s.threadLocked(), record{sent: ev}, fx)
}

func (s *ChatSession) queueRecordLocked(t *turn, id types.ThreadID, r record, fx *effects) {
	if id == "" {
		if t != nil {
			t.pending = append(t.pending, r)
		}
		return
	}
	if t != nil {
		s.flushPendingLocked(t, id, fx)
	}
	s.recordLater(fx, id, r)
}

func (s *ChatSession) flushPendingLocked(t *turn, id types.ThreadID, fx *effects) {
	if s.opts.Recorder == nil || len(t.pending) == 0 {
		return
	}
	for _, r := range t.pending {
		s.recordLater(fx, id, r)
	}
	t.pending = nil
}

func (s *ChatSession) recordLater(fx *effects, id types.ThreadID, r record) {
	rec := s.opts.Recorder
	fx.add(func() {
		var err error
		if r.sent != nil {
			err = rec.AppendSent(context.Background(), id, r.sent)
		} else {
			err = rec.Append(context.Background(), id, r.received)
		}
		if err != nil {
			s.logger.Warn("recording event failed", "thread_id", id, "type", r.eventType(), "error", err)
		}
	})
}
