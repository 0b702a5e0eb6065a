package history

import (
	"context"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	calls := []Record{
		{SessionID: "s1", Backend: "claude", Tool: "review", Status: "completed", Success: true, Duration: 1200 * time.Millisecond, Content: "looks good"},
		{SessionID: "s1", Backend: "claude", Tool: "generate", Status: "failed", Content: "compile error"},
		{SessionID: "s2", Backend: "codex", Tool: "review", Status: "completed", Success: true},
	}
	for _, r := range calls {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.BySession(ctx, "s1")
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if got[0].Tool != "review" || got[1].Tool != "generate" {
		t.Errorf("order wrong: %v, %v", got[0].Tool, got[1].Tool)
	}
	if !got[0].Success || got[0].Duration != 1200*time.Millisecond {
		t.Errorf("first record = %+v", got[0])
	}
	if got[1].Success {
		t.Error("failed call stored as success")
	}
}

func TestBySessionEmpty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.BySession(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("records = %d, want 0", len(got))
	}
}

func TestContentTruncated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", maxContentLen+100)
	if err := s.Record(ctx, Record{SessionID: "s1", Backend: "claude", Tool: "t", Status: "completed", Content: long}); err != nil {
		t.Fatal(err)
	}
	got, err := s.BySession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got[0].Content) != maxContentLen {
		t.Errorf("content length = %d, want %d", len(got[0].Content), maxContentLen)
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.Record(ctx, Record{SessionID: "s1", Backend: "claude", Tool: "old", Status: "completed", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, Record{SessionID: "s1", Backend: "claude", Tool: "new", Status: "completed"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Prune(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	got, err := s.BySession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Tool != "new" {
		t.Errorf("remaining = %+v", got)
	}
}
