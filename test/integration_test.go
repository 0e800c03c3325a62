//go:build integration

package test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/user/pacha/internal/export"
	"github.com/user/pacha/internal/journal"
	"github.com/user/pacha/internal/session"
	"github.com/user/pacha/internal/stubserver"
	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

const token = "integration-token"

func arithmetic(_ types.ThreadID, msg string) stubserver.Reply {
	switch msg {
	case "approve me":
		return stubserver.Reply{Events: []types.ServerEvent{
			types.UserConfirmationRequest{ConfirmationRequestID: "c1", Message: "Run the query?"},
			types.AssistantMessageResponse{AssistantActionID: "a9", MessageChunk: "Query ran."},
		}}
	case "drop":
		return stubserver.Reply{Events: []types.ServerEvent{types.LLMCall{}}, Hangup: true}
	}
	return stubserver.Reply{Events: []types.ServerEvent{
		types.LLMCall{},
		types.AssistantMessageResponse{AssistantActionID: "a1", MessageChunk: "Let me "},
		types.AssistantMessageResponse{AssistantActionID: "a1", MessageChunk: "compute."},
		types.AssistantCodeResponse{AssistantActionID: "a2", CodeBlockID: "b1", CodeChunk: "print(2+2)"},
		types.ExecutingCode{CodeBlockID: "b1"},
		types.CodeOutput{CodeBlockID: "b1", OutputChunk: "4\n"},
		types.ArtifactUpdate{Artifact: types.ArtifactPayload{Identifier: "r1", Title: "Result", Data: json.RawMessage(`[{"sum":4}]`)}},
		types.AssistantMessageResponse{AssistantActionID: "a3", MessageChunk: "The answer is 4."},
	}}
}

type env struct {
	stub    *stubserver.Server
	client  *threads.Client
	journal *journal.Store
	logger  *slog.Logger
}

func setup(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stub := stubserver.New(
		stubserver.WithScript(arithmetic),
		stubserver.WithAuth(threads.DefaultAuthHeader, token),
		stubserver.WithLogger(logger),
	)
	hs := httptest.NewServer(stub)
	t.Cleanup(hs.Close)

	client, err := threads.New(threads.Config{BaseURL: hs.URL, AuthToken: token, Timeout: 5 * time.Second}, threads.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	return &env{stub: stub, client: client, journal: journal.NewStore(t.TempDir()), logger: logger}
}

func (e *env) session(opts session.Options) *session.ChatSession {
	opts.Logger = e.logger
	opts.Recorder = e.journal
	return session.New(e.client, opts)
}

func waitIdle(t *testing.T, s *session.ChatSession) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("session did not settle: %v", err)
	}
}

var ignoreMode = cmp.Options{
	cmpopts.IgnoreFields(types.SelfMessage{}, "ResponseMode"),
	cmpopts.IgnoreFields(types.AssistantMessage{}, "ResponseMode"),
	cmpopts.IgnoreFields(types.Artifact{}, "ResponseMode"),
}

func TestChatTurnMatchesHistoryAndReplay(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	live := e.session(session.Options{})
	if err := live.SendMessage(ctx, "2+2?"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, live)

	snap := live.Snapshot()
	if snap.Err != nil {
		t.Fatalf("unexpected error %v", snap.Err)
	}
	id := snap.CurrentThreadID
	if id.IsNew() {
		t.Fatal("expected the server to assign a thread id")
	}
	if len(snap.Timeline) != 4 {
		t.Fatalf("expected 4 timeline entries, got %d", len(snap.Timeline))
	}
	if out := snap.ToolOutputs["b1"]; out == nil || out.Output.Output != "4\n" {
		t.Errorf("unexpected tool output %+v", out)
	}

	// A second view of the same thread loads it from history.
	reloaded := e.session(session.Options{})
	if err := reloaded.SwitchThread(ctx, id); err != nil {
		t.Fatal(err)
	}
	hist := reloaded.Snapshot()
	if diff := cmp.Diff(hist.Timeline, snap.Timeline, ignoreMode); diff != "" {
		t.Errorf("live timeline differs from history (-history +live):\n%s", diff)
	}
	if diff := cmp.Diff(hist.ToolOutputs, snap.ToolOutputs); diff != "" {
		t.Errorf("live tool outputs differ from history (-history +live):\n%s", diff)
	}
	if diff := cmp.Diff(hist.Artifacts, snap.Artifacts, ignoreMode); diff != "" {
		t.Errorf("live artifacts differ from history (-history +live):\n%s", diff)
	}

	// Replaying the journal rebuilds the whole conversation.
	records, err := e.journal.Tail(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	replay := session.New(nil, session.Options{Logger: e.logger})
	for _, rec := range records {
		if rec.IsSent() {
			ev, err := rec.SentEvent()
			if err != nil {
				t.Fatal(err)
			}
			replay.ApplySent(ev)
			continue
		}
		ev, err := rec.Event()
		if err != nil {
			t.Fatal(err)
		}
		replay.Apply(ev)
	}
	replayed := replay.Snapshot()
	if diff := cmp.Diff(snap.Timeline, replayed.Timeline, ignoreMode); diff != "" {
		t.Errorf("replay differs from live (-live +replay):\n%s", diff)
	}

	// A follow-up continues the same thread.
	if err := live.SendMessage(ctx, "again"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, live)
	thread, _ := e.stub.Thread(id)
	if len(thread.State.Interactions) != 2 {
		t.Errorf("expected 2 interactions on %s, got %d", id, len(thread.State.Interactions))
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	pending := make(chan types.ConfirmationID, 1)
	s := e.session(session.Options{OnUpdate: func(snap session.Snapshot) {
		for _, entry := range snap.Timeline {
			if c, ok := entry.(*types.UserConfirmationEntry); ok && c.Status == types.ConfirmationPending {
				select {
				case pending <- c.ConfirmationID:
				default:
				}
			}
		}
	}})
	if err := s.SendMessage(ctx, "approve me"); err != nil {
		t.Fatal(err)
	}

	var id types.ConfirmationID
	select {
	case id = <-pending:
	case <-time.After(5 * time.Second):
		t.Fatal("confirmation request never arrived")
	}
	if err := s.RespondToConfirmation(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)

	decisions := e.stub.Decisions()
	if len(decisions) != 1 || !decisions[0].Confirm || decisions[0].Via != "socket" {
		t.Errorf("unexpected decisions %+v", decisions)
	}
	var status types.ConfirmationStatus
	for _, entry := range s.Snapshot().Timeline {
		if c, ok := entry.(*types.UserConfirmationEntry); ok {
			status = c.Status
		}
	}
	if status != types.ConfirmationApproved {
		t.Errorf("expected approved, got %q", status)
	}
}

func TestInterruptedTurnIsReported(t *testing.T) {
	e := setup(t)

	s := e.session(session.Options{Interruption: session.InterruptionReport})
	if err := s.SendMessage(context.Background(), "drop"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)

	var interrupted *types.InterruptedError
	if !errors.As(s.Err(), &interrupted) {
		t.Fatalf("expected InterruptedError, got %v", s.Err())
	}
	if s.State() != session.TurnErrored {
		t.Errorf("expected errored state, got %s", s.State())
	}
}

func TestMissingThreadAndExport(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	s := e.session(session.Options{})
	err := s.SwitchThread(ctx, "nope")
	if !session.IsThreadLoadError(err, "nope") {
		t.Fatalf("expected a thread load error, got %v", err)
	}

	e.stub.AddThread(types.ThreadResponse{ThreadID: "t1", Title: "saved"})
	dir := t.TempDir()
	results, err := export.New(e.client, dir).ExportAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Path != filepath.Join(dir, "t1.json") {
		t.Fatalf("unexpected export results %+v", results)
	}
	if _, err := os.Stat(results[0].Path); err != nil {
		t.Errorf("transcript not written: %v", err)
	}

	if err := e.client.SubmitFeedback(ctx, threads.Feedback{ThreadID: "t1", Rating: 1}); err != nil {
		t.Fatal(err)
	}
	if fb := e.stub.Feedback(); len(fb) != 1 || fb[0].Mode != threads.FeedbackModeThread {
		t.Errorf("unexpected feedback %+v", fb)
	}
	body, err := e.client.HealthCheck(ctx)
	if err != nil || body != threads.HealthOK {
		t.Errorf("expected healthy, got %q %v", body, err)
	}
}
