package timeline

import "testing"

func jsonl(lines ...string) []byte {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return []byte(out)
}

func TestParse_SimpleWaitingTurn(t *testing.T) {
	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"build the thing"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"What next?"}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	tl := Parse(content)
	if len(tl.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tl.Entries))
	}
	last := tl.LastEntry()
	if last.Kind != KindAssistant || last.Content != "What next?" {
		t.Fatalf("unexpected last entry: %+v", last)
	}
}

func TestParse_PendingBashApproval(t *testing.T) {
	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"run the tests"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	tl := Parse(content)
	last := tl.LastAssistantEntry()
	if last == nil || len(last.ToolCalls) != 1 {
		t.Fatalf("expected one tool call on last assistant entry")
	}
	tc := last.ToolCalls[0]
	if tc.Status != ToolPending {
		t.Fatalf("expected pending status, got %s", tc.Status)
	}
	if tc.ID != "b1" || tc.Name != "Bash" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
	if len(tc.ApprovalOptions) != 3 {
		t.Fatalf("expected 3 approval options, got %v", tc.ApprovalOptions)
	}
	if !last.IsWaitingForChoice {
		t.Fatalf("expected IsWaitingForChoice=true")
	}

	// A subsequent parse with a matching tool-result clears waiting.
	content2 := jsonl(
		`{"type":"user","message":{"role":"user","content":"run the tests"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]},"timestamp":"2026-01-01T00:00:01Z"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"b1","content":"ok"}]},"timestamp":"2026-01-01T00:00:02Z"}`,
	)
	tl2 := Parse(content2)
	assistant := tl2.Entries[1]
	if assistant.ToolCalls[0].Status != ToolCompleted {
		t.Fatalf("expected completed status after result, got %s", assistant.ToolCalls[0].Status)
	}
	if assistant.ToolCalls[0].Output != "ok" {
		t.Fatalf("expected output 'ok', got %q", assistant.ToolCalls[0].Output)
	}
}

func TestParse_ToolResultError(t *testing.T) {
	content := jsonl(
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"e1","name":"Bash","input":{"command":"false"}}]},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"e1","content":"boom","is_error":true}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	tl := Parse(content)
	tc := tl.Entries[0].ToolCalls[0]
	if tc.Status != ToolError {
		t.Fatalf("expected error status, got %s", tc.Status)
	}
}

func TestParse_CompactionSummaryForm(t *testing.T) {
	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"hi"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"summary","summary":"the conversation so far","timestamp":"2026-01-01T00:00:01Z"}`,
	)
	tl := Parse(content)
	if tl.Compaction == nil {
		t.Fatalf("expected compaction event")
	}
	if tl.Compaction.Summary != "the conversation so far" {
		t.Fatalf("unexpected summary: %q", tl.Compaction.Summary)
	}
	if tl.Compaction.Line != 2 {
		t.Fatalf("expected compaction at line 2, got %d", tl.Compaction.Line)
	}
}

func TestParse_CompactionBoundaryForm(t *testing.T) {
	content := jsonl(
		`{"type":"system","subtype":"compact_boundary","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"user","message":{"role":"user","content":"summarized text here"},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	tl := Parse(content)
	if tl.Compaction == nil {
		t.Fatalf("expected compaction event")
	}
	if tl.Compaction.Summary != "summarized text here" {
		t.Fatalf("unexpected summary: %q", tl.Compaction.Summary)
	}
	if !tl.Entries[0].IsCompaction {
		t.Fatalf("expected system entry to carry IsCompaction")
	}
}

func TestParse_QueueOperation(t *testing.T) {
	content := jsonl(
		`{"type":"queue-operation","summary":"<task-notification status=\"completed\"><summary>built successfully</summary></task-notification>","timestamp":"2026-01-01T00:00:00Z"}`,
	)
	tl := Parse(content)
	if len(tl.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(tl.Entries))
	}
	e := tl.Entries[0]
	if e.Kind != KindSystem || e.Content != "built successfully" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if len(e.ToolCalls) != 1 || e.ToolCalls[0].Name != "TaskOutput" || e.ToolCalls[0].Status != ToolCompleted {
		t.Fatalf("unexpected synthesized tool call: %+v", e.ToolCalls)
	}
}

func TestParse_SkillPromptFlagged(t *testing.T) {
	content := jsonl(
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"s1","name":"Skill","input":{"command":"refactor"}}]},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"s1","content":"loaded"}]},"timestamp":"2026-01-01T00:00:01Z"}`,
		`{"type":"user","message":{"role":"user","content":"expanded skill instructions..."},"timestamp":"2026-01-01T00:00:02Z"}`,
	)
	tl := Parse(content)
	if len(tl.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(tl.Entries))
	}
	if tl.Entries[2].SkillName != "refactor" {
		t.Fatalf("expected skill name 'refactor', got %q", tl.Entries[2].SkillName)
	}
}

func TestParse_MalformedLineSkipped(t *testing.T) {
	content := jsonl(
		`not json at all`,
		`{"type":"user","message":{"role":"user","content":"hello"},"timestamp":"2026-01-01T00:00:00Z"}`,
	)
	tl := Parse(content)
	if len(tl.Entries) != 1 {
		t.Fatalf("expected malformed line to be skipped, got %d entries", len(tl.Entries))
	}
}

func TestParse_Determinism(t *testing.T) {
	content := jsonl(
		`{"type":"user","message":{"role":"user","content":"a"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"b"}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	a := Parse(content)
	b := Parse(content)
	if len(a.Entries) != len(b.Entries) {
		t.Fatalf("non-deterministic entry count")
	}
	for i := range a.Entries {
		if a.Entries[i].Content != b.Entries[i].Content || a.Entries[i].ID != b.Entries[i].ID {
			t.Fatalf("non-deterministic parse at entry %d", i)
		}
	}
}

func TestParse_StalePendingOnEarlierEntry(t *testing.T) {
	content := jsonl(
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"x1","name":"Bash","input":{"command":"a"}}]},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"user","message":{"role":"user","content":"interjection"},"timestamp":"2026-01-01T00:00:01Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]},"timestamp":"2026-01-01T00:00:02Z"}`,
	)
	tl := Parse(content)
	if !tl.HasStalePending {
		t.Fatalf("expected HasStalePending to be set")
	}
}
