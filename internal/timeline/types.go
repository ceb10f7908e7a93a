// Package timeline reconstructs a typed message timeline from the raw JSONL
// bytes a conversation log file holds, pairing tool-use entries with their
// eventual tool-result entries and surfacing compaction markers.
package timeline

import "time"

// EntryKind discriminates the three shapes a timeline entry can take
// (queue-operation lines become system entries).
type EntryKind string

const (
	KindUser      EntryKind = "user"
	KindAssistant EntryKind = "assistant"
	KindSystem    EntryKind = "system"
)

// ToolStatus tracks a tool call's lifecycle. completed|error implies a
// matching tool-result entry was found later in the sequence; pending means
// none has arrived yet.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// QuestionOption is one choice offered by an AskUserQuestion/ExitPlanMode
// tool input, or a synthesized approval option (yes/no/always).
type QuestionOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ToolCall is one tool-use block and, once resolved, its paired result.
type ToolCall struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Input           map[string]any `json:"input,omitempty"`
	Status          ToolStatus     `json:"status"`
	Output          string         `json:"output,omitempty"`
	StartedAtMs     int64          `json:"startedAtMs,omitempty"`
	CompletedAtMs   int64          `json:"completedAtMs,omitempty"`
	ApprovalOptions []string       `json:"approvalOptions,omitempty"`
}

// Entry is one ordered timeline position: a user turn, an assistant turn
// (with zero or more tool calls), or a system note (compaction, queue
// notification, etc).
type Entry struct {
	ID        string    `json:"id"`
	Kind      EntryKind `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Assistant-only.
	ToolCalls          []*ToolCall `json:"toolCalls,omitempty"`
	IsWaitingForChoice bool        `json:"isWaitingForChoice,omitempty"`
	PrimaryQuestion    string      `json:"primaryQuestion,omitempty"`
	Questions          []string    `json:"questions,omitempty"`
	QuestionOptions    []QuestionOption `json:"questionOptions,omitempty"`

	// MessageID is the underlying message.id the wire format assigns,
	// distinct from ID above; streaming can repeat the same message.id
	// across lines, which usage accounting must dedup by.
	MessageID string `json:"messageId,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`

	// System-only.
	IsCompaction bool `json:"isCompaction,omitempty"`

	// User-only: set when this message is the auto-expanded prompt text a
	// Skill tool-use produces, so the UI can suppress it as noise.
	SkillName string `json:"skillName,omitempty"`
}

// Usage is the token-accounting block an assistant message line may carry.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// CompactionEvent describes one detected compaction boundary: the AI tool
// summarized a long conversation and (in the live case) is about to start
// writing to a new JSONL file.
type CompactionEvent struct {
	Summary   string
	Timestamp time.Time
	// Line is the 1-based line number in the parsed content at which the
	// compaction marker was found, so callers can distinguish a live
	// (newly observed) compaction from one already processed.
	Line int
}

// Timeline is the ordered reconstruction of one conversation file.
type Timeline struct {
	Entries []*Entry

	// Compaction, if any marker was found anywhere in this parse.
	Compaction *CompactionEvent

	// HasStalePending is true when a tool call is pending on an assistant
	// entry that is not the chronologically last one — an inconsistency
	// that should not normally occur but which the caller
	// should treat as "conversation running", not "waiting".
	HasStalePending bool

	// TotalLines is the number of newline-delimited lines consumed by this
	// parse, including blank and malformed ones.
	TotalLines int
}

// LastEntry returns the last timeline entry, or nil if empty.
func (t *Timeline) LastEntry() *Entry {
	if t == nil || len(t.Entries) == 0 {
		return nil
	}
	return t.Entries[len(t.Entries)-1]
}

// LastAssistantEntry returns the chronologically last assistant entry, or nil.
func (t *Timeline) LastAssistantEntry() *Entry {
	if t == nil {
		return nil
	}
	for i := len(t.Entries) - 1; i >= 0; i-- {
		if t.Entries[i].Kind == KindAssistant {
			return t.Entries[i]
		}
	}
	return nil
}
