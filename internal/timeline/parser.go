package timeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var taskNotificationSummaryRe = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
var taskNotificationStatusRe = regexp.MustCompile(`status="([^"]*)"`)

// Parse decodes the full contents of one conversation file into a Timeline.
// Malformed lines are skipped without aborting the parse.
func Parse(content []byte) *Timeline {
	return ParseWithConfig(content, DefaultToolConfig())
}

// ParseWithConfig is Parse with an explicit tool configuration, so callers
// (and tests) can exercise a non-default approval/interactive tool set.
func ParseWithConfig(content []byte, cfg ToolConfig) *Timeline {
	tl := &Timeline{}

	toolsByID := map[string]*ToolCall{}
	// entries carrying an assistant position index, used to decide whether a
	// pending tool call sits on the chronologically last assistant entry.
	var lastAssistantIdx = -1
	var pendingSkillName string
	var awaitingSkillResult string // tool id of an outstanding Skill call

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line rawLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}

		switch line.Type {
		case "user":
			entry := parseUserEntry(&line, toolsByID, cfg)
			if pendingSkillName != "" {
				entry.SkillName = pendingSkillName
				pendingSkillName = ""
			}
			tl.Entries = append(tl.Entries, entry)

		case "assistant":
			entry := parseAssistantEntry(&line, toolsByID, cfg)
			tl.Entries = append(tl.Entries, entry)
			lastAssistantIdx = len(tl.Entries) - 1
			for _, tc := range entry.ToolCalls {
				if tc.Name == "Skill" {
					awaitingSkillResult = tc.ID
				}
			}

		case "system":
			entry := &Entry{
				Kind:      KindSystem,
				Content:   "",
				Timestamp: parseTimestamp(line.Timestamp),
			}
			if line.Subtype == "compact_boundary" {
				entry.IsCompaction = true
				// The actual summary text is the user message that follows;
				// recorded once we see it, below.
			}
			tl.Entries = append(tl.Entries, entry)

		case "summary":
			summary := line.Summary
			if summary == "" {
				if text, _, ok := decodeContentBlocks(line.Content); ok {
					summary = text
				}
			}
			entry := &Entry{
				Kind:         KindSystem,
				Content:      summary,
				Timestamp:    parseTimestamp(line.Timestamp),
				IsCompaction: true,
			}
			tl.Compaction = &CompactionEvent{Summary: summary, Timestamp: entry.Timestamp, Line: lineNo}
			tl.Entries = append(tl.Entries, entry)

		case "queue-operation":
			entry := parseQueueOperation(&line)
			tl.Entries = append(tl.Entries, entry)

		default:
			// Unknown discriminator: skip silently rather than aborting the
			// rest of the parse.
			continue
		}

		// If the previous system entry was a compact_boundary and this line
		// is the immediately following user entry, that user entry's content
		// is the compaction summary (compaction form 2).
		if line.Type == "user" && len(tl.Entries) >= 2 {
			prev := tl.Entries[len(tl.Entries)-2]
			if prev.Kind == KindSystem && prev.IsCompaction && tl.Compaction == nil {
				cur := tl.Entries[len(tl.Entries)-1]
				prev.Content = cur.Content
				tl.Compaction = &CompactionEvent{Summary: cur.Content, Timestamp: cur.Timestamp, Line: lineNo}
			}
		}

		// Skill detection: once the Skill tool-use we're tracking receives
		// its paired tool-result (status no longer pending), the next user
		// message is the expanded skill prompt.
		if awaitingSkillResult != "" {
			if tc, ok := toolsByID[awaitingSkillResult]; ok && tc.Status != ToolPending {
				if name, _ := tc.Input["command"].(string); name != "" {
					pendingSkillName = name
				} else if name, _ := tc.Input["name"].(string); name != "" {
					pendingSkillName = name
				} else {
					pendingSkillName = tc.Name
				}
				awaitingSkillResult = ""
			}
		}
	}

	finalizePendingTools(tl, toolsByID, lastAssistantIdx, cfg)
	assignIDs(tl)
	tl.TotalLines = lineNo
	return tl
}

func parseUserEntry(line *rawLine, toolsByID map[string]*ToolCall, cfg ToolConfig) *Entry {
	entry := &Entry{
		Kind:      KindUser,
		Timestamp: parseTimestamp(line.Timestamp),
	}
	if line.Message == nil {
		return entry
	}
	text, blocks, ok := decodeContentBlocks(line.Message.Content)
	if !ok {
		return entry
	}
	if blocks == nil {
		entry.Content = text
		return entry
	}
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_result":
			resultText := decodeToolResultContent(b.Content)
			if tc, found := toolsByID[b.ToolUseID]; found {
				tc.Output = resultText
				tc.CompletedAtMs = timestampMs(parseTimestamp(line.Timestamp))
				if b.IsError {
					tc.Status = ToolError
				} else {
					tc.Status = ToolCompleted
				}
			}
			if resultText != "" {
				texts = append(texts, resultText)
			}
		}
	}
	entry.Content = joinNonEmpty(texts, "\n")
	return entry
}

func parseAssistantEntry(line *rawLine, toolsByID map[string]*ToolCall, cfg ToolConfig) *Entry {
	entry := &Entry{
		Kind:      KindAssistant,
		Timestamp: parseTimestamp(line.Timestamp),
	}
	if line.Message == nil {
		return entry
	}
	entry.MessageID = line.Message.ID
	if line.Message.Usage != nil {
		entry.Usage = &Usage{
			InputTokens:              line.Message.Usage.InputTokens,
			OutputTokens:             line.Message.Usage.OutputTokens,
			CacheCreationInputTokens: line.Message.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     line.Message.Usage.CacheReadInputTokens,
		}
	}
	text, blocks, ok := decodeContentBlocks(line.Message.Content)
	if !ok {
		return entry
	}
	if blocks == nil {
		entry.Content = text
		return entry
	}
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "thinking":
			// thinking blocks are not surfaced as message content.
		case "tool_use":
			tc := &ToolCall{
				ID:          b.ID,
				Name:        b.Name,
				Input:       b.Input,
				Status:      ToolPending,
				StartedAtMs: timestampMs(entry.Timestamp),
			}
			entry.ToolCalls = append(entry.ToolCalls, tc)
			toolsByID[b.ID] = tc

			if cfg.InteractiveTools[b.Name] {
				entry.IsWaitingForChoice = true
				applyInteractiveOptions(entry, tc)
			}
		}
	}
	entry.Content = joinNonEmpty(texts, "\n")
	return entry
}

// applyInteractiveOptions extracts question/plan options directly from a
// pending AskUserQuestion/ExitPlanMode tool's input.
func applyInteractiveOptions(entry *Entry, tc *ToolCall) {
	switch tc.Name {
	case "AskUserQuestion":
		qs, _ := tc.Input["questions"].([]any)
		for i, qAny := range qs {
			q, ok := qAny.(map[string]any)
			if !ok {
				continue
			}
			qText, _ := q["question"].(string)
			entry.Questions = append(entry.Questions, qText)
			if i == 0 {
				entry.PrimaryQuestion = qText
				if opts, ok := q["options"].([]any); ok {
					for _, optAny := range opts {
						switch o := optAny.(type) {
						case string:
							entry.QuestionOptions = append(entry.QuestionOptions, QuestionOption{Label: o, Value: o})
						case map[string]any:
							label, _ := o["label"].(string)
							value, _ := o["value"].(string)
							if value == "" {
								value = label
							}
							entry.QuestionOptions = append(entry.QuestionOptions, QuestionOption{Label: label, Value: value})
						}
					}
				}
			}
		}
	case "ExitPlanMode":
		if plan, _ := tc.Input["plan"].(string); plan != "" {
			entry.PrimaryQuestion = plan
		}
		entry.QuestionOptions = []QuestionOption{
			{Label: "yes", Value: "yes"},
			{Label: "no", Value: "no"},
		}
	}
}

func parseQueueOperation(line *rawLine) *Entry {
	var raw string
	if line.Summary != "" {
		raw = line.Summary
	} else if len(line.Content) > 0 {
		var s string
		if err := json.Unmarshal(line.Content, &s); err == nil {
			raw = s
		}
	}
	summary := raw
	if m := taskNotificationSummaryRe.FindStringSubmatch(raw); m != nil {
		summary = strings.TrimSpace(m[1])
	}
	status := ToolCompleted
	if m := taskNotificationStatusRe.FindStringSubmatch(raw); m != nil {
		switch m[1] {
		case "error", "failed":
			status = ToolError
		case "running", "pending":
			status = ToolPending
		}
	}
	return &Entry{
		Kind:      KindSystem,
		Content:   summary,
		Timestamp: parseTimestamp(line.Timestamp),
		ToolCalls: []*ToolCall{{Name: "TaskOutput", Status: status}},
	}
}

// finalizePendingTools resolves approval synthesis and the "stale pending"
// signal once the full file has been scanned.
func finalizePendingTools(tl *Timeline, toolsByID map[string]*ToolCall, lastAssistantIdx int, cfg ToolConfig) {
	for idx, entry := range tl.Entries {
		if entry.Kind != KindAssistant {
			continue
		}
		for _, tc := range entry.ToolCalls {
			if tc.Status != ToolPending {
				continue
			}
			if idx != lastAssistantIdx {
				tl.HasStalePending = true
				continue
			}
			if cfg.ApprovalTools[tc.Name] && tc.Name != "Task" {
				tc.ApprovalOptions = approvalOptions()
				entry.IsWaitingForChoice = true
			}
		}
	}
}

func assignIDs(tl *Timeline) {
	for i, e := range tl.Entries {
		e.ID = syntheticID(i, e)
	}
}

// syntheticID derives a stable-within-one-parse id from position and
// entry kind, satisfying the determinism guarantee (same bytes -> same
// timeline modulo message ids) without requiring a cross-parse identity.
func syntheticID(index int, e *Entry) string {
	return string(e.Kind) + "-" + itoa(index)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func timestampMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
