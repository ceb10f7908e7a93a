package timeline

import "encoding/json"

// rawLine is the line-delimited JSON envelope every entry in a conversation
// file shares. Fields not relevant to a given "type" are simply left zero.
type rawLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	Timestamp string          `json:"timestamp"`
	Message   *rawMessage     `json:"message"`
	Summary   string          `json:"summary"`
	Content   json.RawMessage `json:"content"`
}

// rawMessage is the "message" payload of a user/assistant line.
type rawMessage struct {
	Role    string          `json:"role"`
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// rawBlock is one content block: text, tool_use, or tool_result. Only the
// fields relevant to its Type are populated by the producer.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// decodeContentBlocks accepts either a bare string or a list of content
// blocks, the two shapes the wire format allows for message content.
func decodeContentBlocks(raw json.RawMessage) (text string, blocks []rawBlock, ok bool) {
	if len(raw) == 0 {
		return "", nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, true
	}
	var bs []rawBlock
	if err := json.Unmarshal(raw, &bs); err == nil {
		return "", bs, true
	}
	return "", nil, false
}

// decodeToolResultContent accepts either a bare string or a list of
// {type:text,text} blocks, joining multiple text blocks with newlines.
func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return joinNonEmpty(texts, "\n")
	}
	return ""
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
