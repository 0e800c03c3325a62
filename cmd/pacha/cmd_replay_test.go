package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/user/pacha/internal/journal"
	"github.com/user/pacha/internal/session"
	"github.com/user/pacha/internal/types"
)

func TestReplayRecordsIncludesUserMessages(t *testing.T) {
	store := journal.NewStore(t.TempDir())
	ctx := context.Background()
	for _, step := range []func() error{
		func() error { return store.AppendSent(ctx, "t1", types.UserMessage{Message: "2+2?"}) },
		func() error { return store.Append(ctx, "t1", types.AcceptInteraction{ThreadID: "t1"}) },
		func() error {
			return store.Append(ctx, "t1", types.AssistantMessageResponse{AssistantActionID: "a1", MessageChunk: "4"})
		},
		func() error { return store.Append(ctx, "t1", types.Completion{}) },
	} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}
	records, err := store.Tail(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}

	sess := session.New(nil, session.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := replayRecords(sess, records); err != nil {
		t.Fatal(err)
	}
	timeline := sess.Snapshot().Timeline
	if len(timeline) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(timeline))
	}
	if msg, ok := timeline[0].(*types.SelfMessage); !ok || msg.Message != "2+2?" || msg.ThreadID != "t1" {
		t.Errorf("expected user message first, got %+v", timeline[0])
	}
	if msg, ok := timeline[1].(*types.AssistantMessage); !ok || msg.Message != "4" {
		t.Errorf("expected assistant answer, got %+v", timeline[1])
	}
}
