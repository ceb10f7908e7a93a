package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/loppo-llc/tether/internal/mapping"
	"github.com/loppo-llc/tether/internal/resolver"
	"github.com/loppo-llc/tether/internal/timeline"
	"github.com/loppo-llc/tether/internal/watch"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	store := mapping.New(nil, root)
	store.Load()
	res := resolver.New(nil, store, nil, root)
	reg := New(nil, timeline.DefaultToolConfig(), store, res, nil, root)
	return reg, root
}

func jsonl(lines ...string) []byte {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return []byte(out)
}

func convPath(root, encodedDir, id string) string {
	return filepath.Join(root, encodedDir, id+".jsonl")
}

func TestHandleFileEvent_SimpleWaitingTurn(t *testing.T) {
	reg, root := newTestRegistry(t)
	encodedDir := "-Users-alice-code"
	reg.tmuxSessions = map[string]tmuxSessionState{
		"A": {Name: "A", EncodedDir: encodedDir},
	}
	reg.store.Set("A", "conv-1")

	sub, ch := reg.Broker().Subscribe()
	defer reg.Broker().Unsubscribe(sub)

	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"build the thing"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"What next?"}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	reg.HandleFileEvent(watch.Event{Path: convPath(root, encodedDir, "conv-1"), ConversationID: "conv-1", Content: content})

	sawUpdate, sawStatus := false, false
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			switch e.Type {
			case "conversation-update":
				sawUpdate = true
			case "status-change":
				sawStatus = true
			}
		case <-time.After(time.Second):
		}
	}
	if !sawUpdate || !sawStatus {
		t.Fatalf("expected conversation-update and status-change, got update=%v status=%v", sawUpdate, sawStatus)
	}

	reg.mu.Lock()
	tc := reg.conversations["conv-1"]
	reg.mu.Unlock()
	if tc == nil || !tc.IsWaiting || !tc.IsRunning {
		t.Fatalf("expected isRunning=true and isWaitingForInput=true, got %+v", tc)
	}
}

func TestHandleFileEvent_PendingApprovalEmittedOnceUntilResolved(t *testing.T) {
	reg, root := newTestRegistry(t)
	encodedDir := "-Users-alice-code"
	reg.tmuxSessions = map[string]tmuxSessionState{
		"A": {Name: "A", EncodedDir: encodedDir},
	}
	reg.store.Set("A", "conv-1")

	sub, ch := reg.Broker().Subscribe()
	defer reg.Broker().Unsubscribe(sub)

	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"run the tests"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	reg.HandleFileEvent(watch.Event{Path: convPath(root, encodedDir, "conv-1"), ConversationID: "conv-1", Content: content})

	sawPending := false
	drain := func() {
		for {
			select {
			case e := <-ch:
				if e.Type == "pending-approval" {
					sawPending = true
				}
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	}
	drain()
	if !sawPending {
		t.Fatalf("expected pending-approval on first Bash tool_use")
	}

	// Re-deliver the identical content: pending key is unchanged, so no
	// second pending-approval should be emitted.
	reg.HandleFileEvent(watch.Event{Path: convPath(root, encodedDir, "conv-1"), ConversationID: "conv-1", Content: content})
	sawPending = false
	drain()
	if sawPending {
		t.Fatalf("expected no duplicate pending-approval for an unchanged pending key")
	}

	// Approve: tool_result resolves the pending Bash call.
	resolved := jsonl(
		`{"type":"user","message":{"role":"user","content":"run the tests"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]},"timestamp":"2026-01-01T00:00:01Z"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"b1","content":"ok"}]},"timestamp":"2026-01-01T00:00:02Z"}`,
	)
	reg.HandleFileEvent(watch.Event{Path: convPath(root, encodedDir, "conv-1"), ConversationID: "conv-1", Content: resolved})
	reg.mu.Lock()
	tc := reg.conversations["conv-1"]
	reg.mu.Unlock()
	if tc.LastPendingKey == "" {
		t.Fatalf("expected LastPendingKey to retain the last non-empty key")
	}
}

// A pending Read (neither approval-required nor interactive) must not be
// reported as waiting: the conversation is still running, about to execute
// the tool.
func TestHandleFileEvent_PendingPlainToolIsRunningNotWaiting(t *testing.T) {
	reg, root := newTestRegistry(t)
	encodedDir := "-Users-alice-code"
	reg.tmuxSessions = map[string]tmuxSessionState{
		"A": {Name: "A", EncodedDir: encodedDir},
	}
	reg.store.Set("A", "conv-1")

	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"look at the file"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"r1","name":"Read","input":{"file_path":"/tmp/a.txt"}}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	reg.HandleFileEvent(watch.Event{Path: convPath(root, encodedDir, "conv-1"), ConversationID: "conv-1", Content: content})

	reg.mu.Lock()
	tc := reg.conversations["conv-1"]
	reg.mu.Unlock()
	if tc == nil || tc.IsWaiting || !tc.IsRunning {
		t.Fatalf("expected isRunning=true and isWaitingForInput=false for a pending Read, got %+v", tc)
	}
}

// session-completed fires on the running->terminal transition, which only
// happens when a conversation is pruned by EvictStale (its owning session
// disappeared or its backing file was removed) — not on a mere
// running<->waiting sub-state change.
func TestEvictStale_EmitsSessionCompletedForRunningConversation(t *testing.T) {
	reg, root := newTestRegistry(t)
	encodedDir := "-Users-alice-code"
	reg.tmuxSessions = map[string]tmuxSessionState{
		"A": {Name: "A", EncodedDir: encodedDir},
	}
	reg.store.Set("A", "conv-1")

	sub, ch := reg.Broker().Subscribe()
	defer reg.Broker().Unsubscribe(sub)

	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"go"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	reg.HandleFileEvent(watch.Event{Path: convPath(root, encodedDir, "conv-1"), ConversationID: "conv-1", Content: content})

	// Drop the owning session: its directory is no longer in-scope.
	reg.mu.Lock()
	reg.tmuxSessions = map[string]tmuxSessionState{}
	reg.mu.Unlock()
	reg.EvictStale()

	sawCompleted := false
	for i := 0; i < 4; i++ {
		select {
		case e := <-ch:
			if e.Type == "session-completed" {
				sawCompleted = true
			}
		case <-time.After(200 * time.Millisecond):
		}
	}
	if !sawCompleted {
		t.Fatalf("expected session-completed when a running conversation is evicted")
	}

	reg.mu.Lock()
	_, stillTracked := reg.conversations["conv-1"]
	reg.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected conversation to be pruned")
	}
}

func TestHandleFileEvent_DebounceCollapsesRapidWrites(t *testing.T) {
	reg, root := newTestRegistry(t)
	encodedDir := "-Users-alice-code"
	reg.tmuxSessions = map[string]tmuxSessionState{
		"A": {Name: "A", EncodedDir: encodedDir},
	}
	reg.store.Set("A", "conv-1")

	sub, ch := reg.Broker().Subscribe()
	defer reg.Broker().Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		content := jsonl(`{"type":"user","message":{"role":"user","content":"go"},"timestamp":"2026-01-01T00:00:00Z"}`)
		reg.HandleFileEvent(watch.Event{Path: convPath(root, encodedDir, "conv-1"), ConversationID: "conv-1", Content: content})
	}

	count := 0
loop:
	for {
		select {
		case e := <-ch:
			if e.Type == "conversation-update" {
				count++
			}
		case <-time.After(200 * time.Millisecond):
			break loop
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one conversation-update from repeated identical writes, got %d", count)
	}
}

func TestEncodePath(t *testing.T) {
	if got := encodePath("/Users/alice/code"); got != "-Users-alice-code" {
		t.Fatalf("unexpected encoding: %s", got)
	}
}
