package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/user/pacha/internal/types"
)

func TestStore(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	ctx := context.Background()

	if err := store.Append(ctx, "t1", types.AcceptInteraction{InteractionID: "i1", ThreadID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "t1", types.AssistantMessageResponse{AssistantActionID: "a1", MessageChunk: "4"}); err != nil {
		t.Fatal(err)
	}

	records, err := store.Tail(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Seq != 1 || records[1].Seq != 2 {
		t.Errorf("expected seq 1,2 got %d,%d", records[0].Seq, records[1].Seq)
	}
	if records[1].Type != types.EventAssistantMessageResponse {
		t.Errorf("expected type %s, got %s", types.EventAssistantMessageResponse, records[1].Type)
	}
	if records[0].ID == "" || records[0].ID == records[1].ID {
		t.Error("expected distinct record ids")
	}

	count, err := store.Count(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}

	last, err := store.Tail(ctx, "t1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 1 || last[0].Seq != 2 {
		t.Errorf("expected only the last record, got %+v", last)
	}
}

func TestStoreEventsRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()
	in := []types.ServerEvent{
		types.AcceptInteraction{InteractionID: "i1", ThreadID: "t1"},
		types.AssistantCodeResponse{AssistantActionID: "a1", CodeBlockID: "x", CodeChunk: "print(1)"},
		types.CodeOutput{CodeBlockID: "x", OutputChunk: "1"},
		types.ArtifactUpdate{Artifact: types.ArtifactPayload{Identifier: "o", Title: "O", Data: []byte(`[1]`)}},
		types.Completion{},
	}
	for _, ev := range in {
		if err := store.Append(ctx, "t1", ev); err != nil {
			t.Fatal(err)
		}
	}

	out, err := store.Events(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	if err := NewStore(dir).Append(ctx, "t1", types.LLMCall{}); err != nil {
		t.Fatal(err)
	}

	reopened := NewStore(dir)
	reopened.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	if err := reopened.Append(ctx, "t1", types.Completion{}); err != nil {
		t.Fatal(err)
	}
	records, err := reopened.Tail(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1].Seq != 2 {
		t.Fatalf("expected seq to continue after reopen, got %+v", records)
	}
	if !records[1].At.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", records[1].At)
	}
}

func TestStoreConcurrentAppends(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Append(ctx, "t1", types.LLMCall{}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	records, err := store.Tail(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			t.Fatalf("expected dense sequence, record %d has seq %d", i, rec.Seq)
		}
	}
	if len(records) != 20 {
		t.Errorf("expected 20 records, got %d", len(records))
	}
}

func TestStoreRejectsPathThreadIDs(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []types.ThreadID{"", "..", "a/b", `a\b`} {
		if err := store.Append(context.Background(), id, types.LLMCall{}); err == nil {
			t.Errorf("expected error for thread id %q", id)
		}
	}
}

func TestStoreThreadsAndMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	records, err := store.Tail(ctx, "nope", 5)
	if err != nil || records != nil {
		t.Errorf("expected no records for missing thread, got %v, %v", records, err)
	}

	for _, id := range []types.ThreadID{"b", "a"} {
		if err := store.Append(ctx, id, types.LLMCall{}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := store.Threads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]types.ThreadID{"a", "b"}, ids); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreSentRecords(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	if err := store.AppendSent(ctx, "t1", types.UserMessage{Message: "2+2?"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "t1", types.AcceptInteraction{InteractionID: "i1", ThreadID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendSent(ctx, "t1", types.UserConfirmationResponse{Response: types.ConfirmationDeny, ConfirmationRequestID: "c1"}); err != nil {
		t.Fatal(err)
	}

	records, err := store.Tail(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if !records[0].IsSent() || records[1].IsSent() || records[1].Direction != Received {
		t.Errorf("unexpected directions %s,%s", records[0].Direction, records[1].Direction)
	}
	msg, err := records[0].SentEvent()
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := msg.(types.UserMessage); !ok || got.Message != "2+2?" {
		t.Errorf("expected user message, got %#v", msg)
	}
	if _, err := records[0].Event(); err == nil {
		t.Error("expected error decoding a sent record as a server event")
	}
	if _, err := records[1].SentEvent(); err == nil {
		t.Error("expected error decoding a received record as a sent event")
	}

	events, err := store.Events(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType() != types.EventAcceptInteraction {
		t.Errorf("expected only the received event, got %v", events)
	}
}
