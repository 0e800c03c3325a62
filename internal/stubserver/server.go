// Package stubserver is a scripted in-process chat backend. It serves the
// thread HTTP API and the live-turn websocket, answering each user message
// with the events a Script returns and recording the turn into the thread's
// history.
package stubserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/pacha/internal/types"
)

// DefaultConfirmTimeout is how long a turn waits for a confirmation decision
// before emitting user_confirmation_timeout.
const DefaultConfirmTimeout = 30 * time.Second

// Reply is the server's side of one turn.
type Reply struct {
	Events []types.ServerEvent
	// Hangup drops the connection after Events without a completion.
	Hangup bool
}

// Script produces the reply to one user message. accept_interaction and
// completion are added by the server.
type Script func(thread types.ThreadID, message string) Reply

// EchoScript answers every message with "echo: <message>".
func EchoScript(_ types.ThreadID, message string) Reply {
	action := types.ActionID(uuid.NewString())
	return Reply{Events: []types.ServerEvent{
		types.LLMCall{},
		types.AssistantMessageResponse{AssistantActionID: action, MessageChunk: "echo: "},
		types.AssistantMessageResponse{AssistantActionID: action, MessageChunk: message},
	}}
}

// Feedback is a rating received on submit-feedback.
type Feedback struct {
	ThreadID types.ThreadID
	Mode     string
	Rating   int
	Text     *string
}

// Decision is a confirmation answer received over HTTP or the socket.
type Decision struct {
	ThreadID       types.ThreadID
	ConfirmationID types.ConfirmationID
	Confirm        bool
	Via            string
}

// Server implements http.Handler.
type Server struct {
	script         Script
	authHeader     string
	authToken      string
	confirmTimeout time.Duration
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	mux            *http.ServeMux

	mu        sync.Mutex
	threads   map[types.ThreadID]*types.ThreadResponse
	order     []types.ThreadID
	healthy   bool
	received  []types.ClientEvent
	feedback  []Feedback
	decisions []Decision
	waiting   map[types.ConfirmationID]chan bool
}

// Option configures a Server.
type Option func(*Server)

// WithScript replaces EchoScript.
func WithScript(s Script) Option {
	return func(srv *Server) { srv.script = s }
}

// WithAuth requires token in header on every request.
func WithAuth(header, token string) Option {
	return func(srv *Server) {
		srv.authHeader = header
		srv.authToken = token
	}
}

// WithConfirmTimeout sets how long a turn waits for a confirmation decision.
func WithConfirmTimeout(d time.Duration) Option {
	return func(srv *Server) { srv.confirmTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// New creates a Server with no threads.
func New(opts ...Option) *Server {
	s := &Server{
		script:         EchoScript,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         slog.Default(),
		mux:            http.NewServeMux(),
		threads:        make(map[types.ThreadID]*types.ThreadResponse),
		healthy:        true,
		waiting:        make(map[types.ConfirmationID]chan bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /config-check", s.handleHealth)
	s.mux.HandleFunc("GET /threads", s.handleList)
	s.mux.HandleFunc("POST /threads", s.handleCreate)
	s.mux.HandleFunc("GET /threads/start", s.handleStart)
	s.mux.HandleFunc("GET /threads/{id}", s.handleGet)
	s.mux.HandleFunc("GET /threads/{id}/continue", s.handleContinue)
	s.mux.HandleFunc("POST /threads/{id}/user_confirmation", s.handleConfirmation)
	s.mux.HandleFunc("POST /threads/{id}/submit-feedback", s.handleFeedback)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" && r.Header.Get(s.authHeader) != s.authToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// SetHealthy controls the /config-check answer.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// AddThread stores a thread record as if it had been created earlier.
func (s *Server) AddThread(thread types.ThreadResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ThreadID]; !ok {
		s.order = append(s.order, thread.ThreadID)
	}
	t := thread
	s.threads[thread.ThreadID] = &t
}

// Thread returns a copy of a stored thread record.
func (s *Server) Thread(id types.ThreadID) (types.ThreadResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return types.ThreadResponse{}, false
	}
	return copyThread(t), true
}

// Received returns the client events read from sockets so far.
func (s *Server) Received() []types.ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ClientEvent(nil), s.received...)
}

// Feedback returns the ratings received so far.
func (s *Server) Feedback() []Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Feedback(nil), s.feedback...)
}

// Decisions returns the confirmation answers received so far.
func (s *Server) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.decisions...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ok := s.healthy
	s.mu.Unlock()
	if !ok {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]types.ThreadSummary, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, types.ThreadSummary{ThreadID: id, Title: s.threads[id].Title})
	}
	s.mu.Unlock()
	writeJSON(w, list)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := s.createThread("")
	writeJSON(w, map[string]types.ThreadID{"thread_id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.Thread(types.ThreadID(r.PathValue("id")))
	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, thread)
}

// confirmationRequest is the JSON body for POST /threads/{id}/user_confirmation.
type confirmationRequest struct {
	ConfirmationID types.ConfirmationID `json:"confirmation_id"`
	Confirm        bool                 `json:"confirm"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	id := types.ThreadID(r.PathValue("id"))
	if !s.hasThread(id) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	var req confirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConfirmationID == "" {
		writeError(w, http.StatusBadRequest, "confirmation_id is required")
		return
	}
	s.decide(Decision{ThreadID: id, ConfirmationID: req.ConfirmationID, Confirm: req.Confirm, Via: "http"})
	writeJSON(w, map[string]string{"status": "ok"})
}

// feedbackRequest is the JSON body for POST /threads/{id}/submit-feedback.
type feedbackRequest struct {
	ThreadID     types.ThreadID `json:"thread_id"`
	Mode         string         `json:"mode"`
	FeedbackEnum int            `json:"feedback_enum"`
	FeedbackText *string        `json:"feedback_text"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := types.ThreadID(r.PathValue("id"))
	if !s.hasThread(id) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.FeedbackEnum != 1 && req.FeedbackEnum != -1 {
		writeError(w, http.StatusBadRequest, "feedback_enum must be 1 or -1")
		return
	}
	s.mu.Lock()
	s.feedback = append(s.feedback, Feedback{ThreadID: id, Mode: req.Mode, Rating: req.FeedbackEnum, Text: req.FeedbackText})
	s.mu.Unlock()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) hasThread(id types.ThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[id]
	return ok
}

func (s *Server) createThread(title string) types.ThreadID {
	id := types.ThreadID(uuid.NewString())
	s.AddThread(types.ThreadResponse{
		ThreadID: id,
		Title:    title,
		State: types.ThreadState{
			Artifacts:    []types.Artifact{},
			Interactions: []types.Interaction{},
			Version:      "1",
		},
	})
	return id
}

// decide records a decision and wakes the turn waiting on it, if any.
func (s *Server) decide(d Decision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	ch := s.waiting[d.ConfirmationID]
	delete(s.waiting, d.ConfirmationID)
	s.mu.Unlock()
	if ch != nil {
		ch <- d.Confirm
	}
	s.logger.Debug("confirmation decided", "thread_id", d.ThreadID, "confirmation_id", d.ConfirmationID, "confirm", d.Confirm, "via", d.Via)
}

func copyThread(t *types.ThreadResponse) types.ThreadResponse {
	c := *t
	c.State.Artifacts = append([]types.Artifact{}, t.State.Artifacts...)
	c.State.Interactions = make([]types.Interaction, len(t.State.Interactions))
	for i, in := range t.State.Interactions {
		in.AssistantActions = append([]types.AssistantAction{}, in.AssistantActions...)
		c.State.Interactions[i] = in
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func title(message string) string {
	message = strings.TrimSpace(message)
	if len(message) > 40 {
		return message[:40]
	}
	return message
}
