package timeline

// ToolConfig describes how known tool names behave: whether they require
// user approval before running, whether they are purely interactive
// (question/plan tools that block on a choice but need no approval), and
// the human label shown as "current activity".
type ToolConfig struct {
	ApprovalTools    map[string]bool
	InteractiveTools map[string]bool
	ActivityLabels   map[string]string
}

// DefaultToolConfig mirrors the default approval/interactive tool sets named
// in the external interfaces: Bash, Write, Edit, Task, NotebookEdit,
// EnterPlanMode require approval; AskUserQuestion and ExitPlanMode are
// interactive-pending without requiring approval.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		ApprovalTools: map[string]bool{
			"Bash":          true,
			"Write":         true,
			"Edit":          true,
			"Task":          true,
			"NotebookEdit":  true,
			"EnterPlanMode": true,
		},
		InteractiveTools: map[string]bool{
			"AskUserQuestion": true,
			"ExitPlanMode":    true,
		},
		ActivityLabels: map[string]string{
			"Bash":            "Running command",
			"Write":           "Writing file",
			"Edit":            "Editing file",
			"Task":            "Running subtask",
			"NotebookEdit":    "Editing notebook",
			"EnterPlanMode":   "Entering plan mode",
			"AskUserQuestion": "Asking a question",
			"ExitPlanMode":    "Exiting plan mode",
			"Read":            "Reading file",
			"Grep":            "Searching",
			"Glob":            "Searching files",
			"Skill":           "Running skill",
			"WebFetch":        "Fetching URL",
			"WebSearch":       "Searching the web",
			"TaskOutput":      "Subtask finished",
		},
	}
}

// approvalOptions returns the standard set synthesized onto a pending
// approval-required tool call's message.
func approvalOptions() []string {
	return []string{"yes", "no", "always"}
}
