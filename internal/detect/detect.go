// Package detect holds the pure state-detector functions the registry runs
// over a parsed timeline: waiting-for-input, current-activity,
// pending-approval tools, recent-activity, usage totals, and compaction
// detection. None of these hold state or perform I/O.
package detect

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loppo-llc/tether/internal/timeline"
)

// WaitingForInput is true iff the last entry is assistant and either it has
// no tool calls, all its tool calls are terminal, or its pending tools are
// all interactive or approval-required. False when any tool is running, the
// last entry is a user message, a pending tool is neither interactive nor
// approval-required (it is about to run or executing, not waiting on a
// human), or the timeline has a stale pending tool on an earlier assistant
// entry (the conversation counts as running).
func WaitingForInput(tl *timeline.Timeline, cfg timeline.ToolConfig) bool {
	last := tl.LastEntry()
	if last == nil || last.Kind != timeline.KindAssistant {
		return false
	}
	if tl.HasStalePending {
		return false
	}
	if len(last.ToolCalls) == 0 {
		return true
	}
	for _, tc := range last.ToolCalls {
		switch tc.Status {
		case timeline.ToolRunning:
			return false
		case timeline.ToolPending:
			if tc.ApprovalOptions != nil || cfg.InteractiveTools[tc.Name] {
				continue
			}
			return false
		}
	}
	return true
}

// CurrentActivity returns the human-readable label for what the last entry
// is doing, and whether one applies at all ("Processing…" for a trailing
// user message; undefined when the last assistant entry has no tool calls).
func CurrentActivity(tl *timeline.Timeline, cfg timeline.ToolConfig) (string, bool) {
	last := tl.LastEntry()
	if last == nil {
		return "", false
	}
	if last.Kind == timeline.KindUser {
		return "Processing…", true
	}
	if last.Kind != timeline.KindAssistant || len(last.ToolCalls) == 0 {
		return "", false
	}
	tc := last.ToolCalls[len(last.ToolCalls)-1]
	label, ok := cfg.ActivityLabels[tc.Name]
	if !ok {
		label = tc.Name
	}
	if tc.ApprovalOptions != nil {
		label = "Approve: " + label
	}
	if summary := parameterSummary(tc); summary != "" {
		return label + " (" + summary + ")", true
	}
	return label, true
}

// parameterSummary extracts a short, tool-specific parameter hint: file
// basename for file tools, a truncated command for Bash, the pattern for
// search tools.
func parameterSummary(tc *timeline.ToolCall) string {
	if tc.Input == nil {
		return ""
	}
	switch tc.Name {
	case "Bash":
		if cmd, _ := tc.Input["command"].(string); cmd != "" {
			return truncate(cmd, 40)
		}
	case "Write", "Edit", "NotebookEdit", "Read":
		if path, _ := tc.Input["file_path"].(string); path != "" {
			return filepath.Base(path)
		}
	case "Grep", "Glob":
		if pattern, _ := tc.Input["pattern"].(string); pattern != "" {
			return pattern
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

// PendingTool is one (name, id) pair surfaced by PendingApprovalTools.
type PendingTool struct {
	Name string
	ID   string
}

// PendingApprovalTools returns the pending tools on the last assistant
// entry whose name is in the approval set, excluding Task.
func PendingApprovalTools(tl *timeline.Timeline, cfg timeline.ToolConfig) []PendingTool {
	last := tl.LastEntry()
	if last == nil || last.Kind != timeline.KindAssistant {
		return nil
	}
	var out []PendingTool
	for _, tc := range last.ToolCalls {
		if tc.Status != timeline.ToolPending {
			continue
		}
		if tc.Name == "Task" {
			continue
		}
		if !cfg.ApprovalTools[tc.Name] {
			continue
		}
		out = append(out, PendingTool{Name: tc.Name, ID: tc.ID})
	}
	return out
}

// PendingApprovalKey renders a stable, order-independent key for a pending
// tool set, so the registry can compare it against the previously emitted
// non-empty key (pending-approval fires only when this set
// differs from the last emitted non-empty one).
func PendingApprovalKey(tools []PendingTool) string {
	if len(tools) == 0 {
		return ""
	}
	ids := make([]string, len(tools))
	for i, t := range tools {
		ids[i] = t.Name + ":" + t.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// ActivityRecord is one flattened tool-call summary for RecentActivity.
type ActivityRecord struct {
	Name   string
	Input  string
	Output string
}

const recentActivityOutputLimit = 2000

// RecentActivity flattens every tool call across the timeline in
// chronological order, bounded to limit entries (the most recent limit).
func RecentActivity(tl *timeline.Timeline, limit int) []ActivityRecord {
	var all []ActivityRecord
	for _, e := range tl.Entries {
		if e.Kind != timeline.KindAssistant {
			continue
		}
		for _, tc := range e.ToolCalls {
			all = append(all, ActivityRecord{
				Name:   tc.Name,
				Input:  shortInput(tc),
				Output: truncate(tc.Output, recentActivityOutputLimit),
			})
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

func shortInput(tc *timeline.ToolCall) string {
	if s := parameterSummary(tc); s != "" {
		return s
	}
	if tc.Input == nil {
		return ""
	}
	return fmt.Sprintf("%d field(s)", len(tc.Input))
}

// UsageTotals sums assistant usage blocks across a timeline, deduplicated
// by message id.
type UsageTotals struct {
	InputTokens          int
	OutputTokens         int
	CacheCreate          int
	CacheRead            int
	MessageCount         int
	CurrentContextTokens int
}

// Usage computes token totals, deduplicating repeated message ids that
// streaming can emit more than once.
func Usage(tl *timeline.Timeline) UsageTotals {
	var totals UsageTotals
	seen := map[string]bool{}
	for _, e := range tl.Entries {
		if e.Kind != timeline.KindAssistant {
			continue
		}
		totals.MessageCount++
		if e.Usage == nil {
			continue
		}
		if e.MessageID != "" {
			if seen[e.MessageID] {
				continue
			}
			seen[e.MessageID] = true
		}
		totals.InputTokens += e.Usage.InputTokens
		totals.OutputTokens += e.Usage.OutputTokens
		totals.CacheCreate += e.Usage.CacheCreationInputTokens
		totals.CacheRead += e.Usage.CacheReadInputTokens
	}
	totals.CurrentContextTokens = totals.InputTokens + totals.CacheCreate + totals.CacheRead
	return totals
}

// DetectCompaction re-parses content and reports whether a compaction
// marker lies beyond lastCheckedLine (a "live" compaction the caller has
// not yet processed), along with the new line count to remember.
func DetectCompaction(content []byte, lastCheckedLine int) (*timeline.CompactionEvent, int) {
	tl := timeline.Parse(content)
	if tl.Compaction != nil && tl.Compaction.Line > lastCheckedLine {
		return tl.Compaction, tl.TotalLines
	}
	return nil, tl.TotalLines
}
