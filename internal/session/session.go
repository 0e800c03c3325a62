// Package session reconciles a chat thread's history and live event stream
// into a single timeline plus tool-output and artifact tables.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

// ThreadClient is the subset of threads.Client the session needs.
type ThreadClient interface {
	GetThread(ctx context.Context, id types.ThreadID) (*types.ThreadResponse, error)
	OpenLiveTurn(ctx context.Context, req threads.LiveTurnRequest) (*threads.LiveTurn, error)
	SendUserConfirmation(ctx context.Context, conf threads.Confirmation) error
}

var _ ThreadClient = (*threads.Client)(nil)

// Router reflects the active thread in the UI's location.
type Router interface {
	NavigateToThread(id types.ThreadID)
}

// ThreadListRefresher reloads the UI's thread list.
type ThreadListRefresher interface {
	RefreshThreads()
}

// NotificationLevel grades a Notification.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// Notification is a transient message for a toast-style surface. It never
// becomes part of the timeline.
type Notification struct {
	Level   NotificationLevel
	Message string
	Err     error
}

// Notifier shows notifications.
type Notifier interface {
	Notify(n Notification)
}

// Recorder persists the events of each thread: those received from the
// server and those the user sent.
type Recorder interface {
	Append(ctx context.Context, threadID types.ThreadID, ev types.ServerEvent) error
	AppendSent(ctx context.Context, threadID types.ThreadID, ev types.ClientEvent) error
}

// InterruptionPolicy decides what a socket close without completion means.
type InterruptionPolicy string

const (
	// InterruptionComplete treats the close as a successful completion.
	InterruptionComplete InterruptionPolicy = "complete"
	// InterruptionReport records the close as an error on the timeline.
	InterruptionReport InterruptionPolicy = "report"
)

// AssistantChunkPolicy decides how assistant_message_response chunks land on
// the timeline.
type AssistantChunkPolicy string

const (
	// ChunksConcatenate appends chunks to the entry with the same action id.
	ChunksConcatenate AssistantChunkPolicy = "concatenate"
	// ChunksAppend creates a new entry for every chunk.
	ChunksAppend AssistantChunkPolicy = "append"
)

// ErrTurnBusy is returned by SendMessage while a turn is opening or closing.
var ErrTurnBusy = errors.New("turn is connecting or completing")

// Options configures a ChatSession. Every field is optional.
type Options struct {
	Router          Router
	Refresher       ThreadListRefresher
	Notifier        Notifier
	Recorder        Recorder
	Logger          *slog.Logger
	Interruption    InterruptionPolicy
	AssistantChunks AssistantChunkPolicy
	// OnUpdate receives a snapshot after every state change.
	OnUpdate func(Snapshot)
}

// ChatSession owns the conversation state of one chat view. All mutation
// goes through its methods; readers get copies via Snapshot.
type ChatSession struct {
	client ThreadClient
	opts   Options
	logger *slog.Logger

	mu              sync.Mutex
	timeline        []types.Entry
	toolOutputs     map[types.CodeBlockID]*types.ToolCallResponse
	artifacts       map[types.ArtifactID]*types.Artifact
	err             error
	currentThreadID types.ThreadID
	targetThreadID  types.ThreadID
	historyLoading  bool
	switchGen       uint64
	state           TurnState
	turn            *turn
	bindings        map[types.ConfirmationID]*turn
	idle            chan struct{}
}

// New creates an empty ChatSession on the home (no thread) view.
func New(client ThreadClient, opts Options) *ChatSession {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interruption == "" {
		opts.Interruption = InterruptionComplete
	}
	if opts.AssistantChunks == "" {
		opts.AssistantChunks = ChunksConcatenate
	}
	s := &ChatSession{
		client: client,
		opts:   opts,
		logger: opts.Logger,
		state:  TurnIdle,
	}
	s.resetLocked()
	return s
}

// Snapshot is a deep copy of the session state.
type Snapshot struct {
	Timeline        []types.Entry
	ToolOutputs     map[types.CodeBlockID]*types.ToolCallResponse
	Artifacts       map[types.ArtifactID]*types.Artifact
	Loading         bool
	Err             error
	CurrentThreadID types.ThreadID
	ThreadID        types.ThreadID
	State           TurnState
}

func (s *ChatSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ChatSession) snapshotLocked() Snapshot {
	snap := Snapshot{
		Timeline:        types.CloneTimeline(s.timeline),
		ToolOutputs:     make(map[types.CodeBlockID]*types.ToolCallResponse, len(s.toolOutputs)),
		Artifacts:       make(map[types.ArtifactID]*types.Artifact, len(s.artifacts)),
		Loading:         s.loadingLocked(),
		Err:             s.err,
		CurrentThreadID: s.currentThreadID,
		ThreadID:        s.threadLocked(),
		State:           s.state,
	}
	for id, out := range s.toolOutputs {
		snap.ToolOutputs[id] = out.Clone()
	}
	for id, art := range s.artifacts {
		snap.Artifacts[id] = art.Clone()
	}
	return snap
}

// Loading reports whether a history load or a live turn is in progress.
func (s *ChatSession) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingLocked()
}

// Err returns the session-level error, if any.
func (s *ChatSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// CurrentThreadID returns the thread id assigned by the server for this view.
func (s *ChatSession) CurrentThreadID() types.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentThreadID
}

// ThreadID returns the thread new messages are sent to; empty means a new
// thread will be started.
func (s *ChatSession) ThreadID() types.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadLocked()
}

func (s *ChatSession) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitIdle blocks until no history load or live turn is in progress.
func (s *ChatSession) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChatSession) threadLocked() types.ThreadID {
	if s.targetThreadID != "" {
		return s.targetThreadID
	}
	return s.currentThreadID
}

func (s *ChatSession) loadingLocked() bool {
	return s.historyLoading || s.state.loading()
}

func (s *ChatSession) resetLocked() {
	s.timeline = nil
	s.toolOutputs = make(map[types.CodeBlockID]*types.ToolCallResponse)
	s.artifacts = make(map[types.ArtifactID]*types.Artifact)
	s.bindings = make(map[types.ConfirmationID]*turn)
	s.err = nil
	s.currentThreadID = ""
}

// effects are side effects collected under the lock and run after it is
// released, in order.
type effects []func()

func (fx *effects) add(fn func()) {
	*fx = append(*fx, fn)
}

// mutate runs fn under the session lock, then runs the collected effects
// and the update hook.
func (s *ChatSession) mutate(fn func(fx *effects)) {
	var fx effects
	s.mu.Lock()
	fn(&fx)
	s.syncIdleLocked()
	var snap Snapshot
	if s.opts.OnUpdate != nil {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	for _, f := range fx {
		f()
	}
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(snap)
	}
}

func (s *ChatSession) syncIdleLocked() {
	loading := s.loadingLocked()
	switch {
	case loading && s.idle == nil:
		s.idle = make(chan struct{})
	case !loading && s.idle != nil:
		close(s.idle)
		s.idle = nil
	}
}

func (s *ChatSession) notify(fx *effects, n Notification) {
	if s.opts.Notifier == nil {
		return
	}
	notifier := s.opts.Notifier
	fx.add(func() { notifier.Notify(n) })
}

// ThreadLoadError reports a failed history load. Its message starts with
// "Error loading chat thread:<id>: " so views can tell a missing thread
// from a connectivity failure.
type ThreadLoadError struct {
	ThreadID types.ThreadID
	Err      error
}

func (e *ThreadLoadError) Error() string {
	return "Error loading chat thread:" + string(e.ThreadID) + ": " + e.Err.Error()
}

func (e *ThreadLoadError) Unwrap() error { return e.Err }

// IsThreadLoadError reports whether err is a failed load of thread id,
// matching on the message prefix so that errors that crossed a string
// boundary are recognized too.
func IsThreadLoadError(err error, id types.ThreadID) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "Error loading chat thread:"+string(id)+":")
}
