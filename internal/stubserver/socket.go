package stubserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/pacha/internal/types"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, "")
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	id := types.ThreadID(r.PathValue("id"))
	if !s.hasThread(id) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	s.serveSocket(w, r, id)
}

// serveSocket runs one connection: client_init, then a turn per
// user_message until the client goes away. A new thread is created on the
// first message of a start connection.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, thread types.ThreadID) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	events := make(chan types.ClientEvent)
	done := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(conn, events, done)
	}()
	defer func() {
		close(done)
		conn.Close()
		<-readerDone
	}()

	first, ok := <-events
	if !ok {
		return
	}
	if _, isInit := first.(types.ClientInit); !isInit {
		s.logger.Warn("expected client_init", "got", first.EventType())
		return
	}

	for ev := range events {
		switch e := ev.(type) {
		case types.UserMessage:
			if thread == "" {
				thread = s.createThread(title(e.Message))
			}
			if !s.runTurn(conn, thread, e, events) {
				return
			}
		case types.UserConfirmationResponse:
			s.decide(Decision{ThreadID: thread, ConfirmationID: e.ConfirmationRequestID, Confirm: e.Response == types.ConfirmationApprove, Via: "socket"})
		default:
			s.logger.Debug("ignoring client event", "type", ev.EventType())
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, events chan<- types.ClientEvent, done <-chan struct{}) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := types.DecodeClientEvent(data)
		if err != nil {
			s.logger.Warn("undecodable client event", "error", err)
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, ev)
		s.mu.Unlock()
		select {
		case events <- ev:
		case <-done:
			return
		}
	}
}

// runTurn streams the scripted reply to msg. It reports false when the
// connection should end.
func (s *Server) runTurn(conn *websocket.Conn, thread types.ThreadID, msg types.UserMessage, events <-chan types.ClientEvent) bool {
	reply := s.script(thread, msg.Message)
	accept := types.AcceptInteraction{InteractionID: types.InteractionID(uuid.NewString()), ThreadID: thread}
	if err := conn.WriteJSON(accept); err != nil {
		return false
	}

	for _, ev := range reply.Events {
		if err := conn.WriteJSON(ev); err != nil {
			return false
		}
		req, ok := ev.(types.UserConfirmationRequest)
		if !ok {
			continue
		}
		answered, open := s.awaitDecision(thread, req.ConfirmationRequestID, events)
		if !open {
			return false
		}
		if !answered {
			if err := conn.WriteJSON(types.UserConfirmationTimeout{ConfirmationRequestID: req.ConfirmationRequestID}); err != nil {
				return false
			}
		}
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.appendInteraction(thread, accept.InteractionID, msg.Message, at, reply.Events)

	if reply.Hangup {
		s.logger.Debug("hanging up", "thread_id", thread)
		return false
	}
	return conn.WriteJSON(types.Completion{}) == nil
}

// awaitDecision blocks until the confirmation is answered over HTTP or the
// socket, or the timeout passes. open is false when the client went away.
func (s *Server) awaitDecision(thread types.ThreadID, id types.ConfirmationID, events <-chan types.ClientEvent) (answered, open bool) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.waiting[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, id)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.confirmTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ch:
			return true, true
		case <-timer.C:
			return false, true
		case ev, ok := <-events:
			if !ok {
				return false, false
			}
			if resp, isResp := ev.(types.UserConfirmationResponse); isResp {
				s.decide(Decision{ThreadID: thread, ConfirmationID: resp.ConfirmationRequestID, Confirm: resp.Response == types.ConfirmationApprove, Via: "socket"})
				continue
			}
			s.logger.Debug("ignoring client event while awaiting confirmation", "type", ev.EventType())
		}
	}
}

// appendInteraction stores a finished turn in the thread record the way the
// history endpoint reports it.
func (s *Server) appendInteraction(thread types.ThreadID, id types.InteractionID, message string, at time.Time, events []types.ServerEvent) {
	interaction := types.Interaction{
		InteractionID:    id,
		UserMessage:      types.HistoryMessage{Message: message, Timestamp: &at},
		AssistantActions: []types.AssistantAction{},
	}
	actions := make(map[types.ActionID]int)
	blocks := make(map[types.CodeBlockID]*types.CodeBlock)
	action := func(id types.ActionID) *types.AssistantAction {
		i, ok := actions[id]
		if !ok {
			i = len(interaction.AssistantActions)
			actions[id] = i
			interaction.AssistantActions = append(interaction.AssistantActions, types.AssistantAction{ActionID: id})
		}
		return &interaction.AssistantActions[i]
	}
	var artifacts []types.Artifact

	for _, ev := range events {
		switch e := ev.(type) {
		case types.AssistantMessageResponse:
			a := action(e.AssistantActionID)
			a.Message += e.MessageChunk
		case types.AssistantCodeResponse:
			// The latest chunk replaces the code, as the live timeline does.
			b := blocks[e.CodeBlockID]
			if b == nil {
				b = &types.CodeBlock{CodeBlockID: e.CodeBlockID}
				blocks[e.CodeBlockID] = b
			}
			b.Code = e.CodeChunk
			action(e.AssistantActionID).Code = b
		case types.CodeOutput:
			if b := blocks[e.CodeBlockID]; b != nil {
				out := e.OutputChunk
				if b.Output != nil {
					out = *b.Output + out
				}
				b.Output = &out
			}
		case types.CodeError:
			if b := blocks[e.CodeBlockID]; b != nil {
				msg := e.Error
				b.Error = &msg
			}
		case types.ArtifactUpdate:
			artifacts = append(artifacts, types.Artifact{
				Identifier:   e.Artifact.Identifier,
				ArtifactType: types.ArtifactTable,
				Title:        e.Artifact.Title,
				Data:         e.Artifact.Data,
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[thread]
	if !ok {
		return
	}
	t.State.Interactions = append(t.State.Interactions, interaction)
	for _, art := range artifacts {
		replaced := false
		for i := range t.State.Artifacts {
			if t.State.Artifacts[i].Identifier == art.Identifier {
				t.State.Artifacts[i] = art
				replaced = true
				break
			}
		}
		if !replaced {
			t.State.Artifacts = append(t.State.Artifacts, art)
		}
	}
}
