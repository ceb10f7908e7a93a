package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_EmitsOnWrite(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-Users-alice-code")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New(nil, root, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(projDir, "abc-123.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if ev.ConversationID != "abc-123" {
			t.Fatalf("unexpected conversation id: %s", ev.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestWatcher_SkipsSubagentsPath(t *testing.T) {
	root := t.TempDir()
	subDir := filepath.Join(root, "-Users-alice-code", "subagents")
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New(nil, root, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(subDir, "agent-1.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for subagents path, got %+v", ev)
	case <-time.After(400 * time.Millisecond):
		// expected: nothing arrives
	}
}

func TestWatcher_AgeFilterSkipsStaleInitialFile(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-Users-alice-code")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(projDir, "old.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	w, err := New(nil, root, 120*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected stale file to be filtered on initial scan, got %+v", ev)
	case <-time.After(400 * time.Millisecond):
		// expected: nothing arrives
	}

	// A live modification to the same file bypasses the age filter on any
	// later event — but since this is still the file's *first* tracked
	// event, this re-write is the first genuine chance to emit.
	if err := os.WriteFile(path, []byte(`{"type":"user"}`+"\n"+`{"type":"assistant"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}
