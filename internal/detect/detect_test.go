package detect

import (
	"testing"

	"github.com/loppo-llc/tether/internal/timeline"
)

func parse(t *testing.T, lines ...string) *timeline.Timeline {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	return timeline.Parse([]byte(content))
}

func TestWaitingForInput(t *testing.T) {
	cfg := timeline.DefaultToolConfig()

	tl := parse(t,
		`{"type":"user","message":{"role":"user","content":"hi"},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"what next?"}]},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	if !WaitingForInput(tl, cfg) {
		t.Fatalf("expected waiting=true for trailing assistant text entry")
	}

	tl2 := parse(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"user","message":{"role":"user","content":"go on"},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	if WaitingForInput(tl2, cfg) {
		t.Fatalf("expected waiting=false when last entry is user")
	}
}

func TestWaitingForInput_PlainPendingToolIsNotWaiting(t *testing.T) {
	tl := parse(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"r1","name":"Read","input":{"file_path":"/tmp/a.txt"}}]},"timestamp":"2026-01-01T00:00:00Z"}`,
	)
	if WaitingForInput(tl, timeline.DefaultToolConfig()) {
		t.Fatalf("expected waiting=false for a pending non-approval, non-interactive tool")
	}
}

func TestCurrentActivity_BashApproval(t *testing.T) {
	tl := parse(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]},"timestamp":"2026-01-01T00:00:00Z"}`,
	)
	label, ok := CurrentActivity(tl, timeline.DefaultToolConfig())
	if !ok {
		t.Fatalf("expected a current activity")
	}
	if !contains(label, "Approve") || !contains(label, "npm test") {
		t.Fatalf("expected label to mention Approve and npm test, got %q", label)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestPendingApprovalTools(t *testing.T) {
	tl := parse(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"b1","name":"Bash","input":{"command":"npm test"}}]},"timestamp":"2026-01-01T00:00:00Z"}`,
	)
	tools := PendingApprovalTools(tl, timeline.DefaultToolConfig())
	if len(tools) != 1 || tools[0].Name != "Bash" || tools[0].ID != "b1" {
		t.Fatalf("unexpected pending tools: %+v", tools)
	}
	if PendingApprovalKey(tools) != "Bash:b1" {
		t.Fatalf("unexpected key: %s", PendingApprovalKey(tools))
	}
	if PendingApprovalKey(nil) != "" {
		t.Fatalf("expected empty key for no tools")
	}
}

func TestPendingApprovalTools_ExcludesTask(t *testing.T) {
	tl := parse(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Task","input":{}}]},"timestamp":"2026-01-01T00:00:00Z"}`,
	)
	tools := PendingApprovalTools(tl, timeline.DefaultToolConfig())
	if len(tools) != 0 {
		t.Fatalf("expected Task to be excluded, got %+v", tools)
	}
}

func TestUsage_DedupByMessageID(t *testing.T) {
	tl := parse(t,
		`{"type":"assistant","message":{"role":"assistant","id":"m1","content":[{"type":"text","text":"a"}],"usage":{"input_tokens":10,"output_tokens":5}},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","id":"m1","content":[{"type":"text","text":"a streamed again"}],"usage":{"input_tokens":10,"output_tokens":5}},"timestamp":"2026-01-01T00:00:01Z"}`,
	)
	u := Usage(tl)
	if u.InputTokens != 10 || u.OutputTokens != 5 {
		t.Fatalf("expected dedup by message id, got %+v", u)
	}
	if u.MessageCount != 2 {
		t.Fatalf("expected message count 2, got %d", u.MessageCount)
	}
}

func TestDetectCompaction_LiveVsHistorical(t *testing.T) {
	content := []byte(
		`{"type":"user","message":{"role":"user","content":"hi"},"timestamp":"2026-01-01T00:00:00Z"}` + "\n" +
			`{"type":"summary","summary":"recap","timestamp":"2026-01-01T00:00:01Z"}` + "\n",
	)
	event, lastLine := DetectCompaction(content, 0)
	if event == nil {
		t.Fatalf("expected a live compaction event")
	}
	if lastLine != 2 {
		t.Fatalf("expected lastLine=2, got %d", lastLine)
	}

	event2, _ := DetectCompaction(content, 2)
	if event2 != nil {
		t.Fatalf("expected no event once already processed past line 2")
	}
}
