// internal/state/journal_test.go
package state

import (
	"context"
	"testing"

	"github.com/user/chatbot/internal/types"
)

func TestFileJournal(t *testing.T) {
	dir := t.TempDir()
	journal := NewFileJournal(dir)
	ctx := context.Background()

	human := msg("m1", "m1", types.MessageHuman, "hi")
	entries := []*types.JournalEntry{
		{ConvID: "c1", Kind: types.EntrySend, Message: &human},
		{ConvID: "c1", Kind: types.EntryFrame, Message: ptr(msg("r1", "m1", types.MessageAIChunk, "He"))},
		{ConvID: "c1", Kind: types.EntryFrame, Message: ptr(msg("r1", "m1", types.MessageAIChunk, "llo"))},
		{ConvID: "c1", Kind: types.EntryDone},
	}
	for _, e := range entries {
		if err := journal.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	count, err := journal.Count(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("expected count 4, got %d", count)
	}

	tail, err := journal.Tail(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[1].Seq != 4 {
		t.Fatalf("unexpected tail %+v", tail)
	}

	// A fresh journal picks the sequence up from disk.
	reopened := NewFileJournal(dir)
	next := &types.JournalEntry{ConvID: "c1", Kind: types.EntryInterrupt}
	if err := reopened.Append(ctx, next); err != nil {
		t.Fatal(err)
	}
	if next.Seq != 5 {
		t.Errorf("expected seq 5, got %d", next.Seq)
	}

	all, err := reopened.Tail(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	groups := Replay(all)
	if len(groups) != 1 || len(groups[0].Messages) != 2 {
		t.Fatalf("unexpected replay %+v", groups)
	}
	if got := groups[0].Messages[1].Content.String(); got != "Hello" {
		t.Errorf("expected Hello, got %q", got)
	}
}

func TestFileJournalEmpty(t *testing.T) {
	journal := NewFileJournal(t.TempDir())
	entries, err := journal.Tail(context.Background(), "none", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func ptr[T any](v T) *T {
	return &v
}
