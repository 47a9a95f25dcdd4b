package domain

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one message in a conversation. Turns are immutable once appended.
//
// Tool turns and assistant turns carrying ToolCalls only exist in the
// reasoning loop's working context; session history holds user and
// final assistant turns.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Attachment string     `json:"attachment,omitempty"` // preview of an uploaded file
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Text returns the content sent to a model, with the attachment preview
// appended when present.
func (t Turn) Text() string {
	if t.Attachment == "" {
		return t.Content
	}
	return t.Content + "\n" + t.Attachment
}

// HasToolCalls reports whether this is a tool-requesting assistant turn.
func (t Turn) HasToolCalls() bool {
	return len(t.ToolCalls) > 0
}
