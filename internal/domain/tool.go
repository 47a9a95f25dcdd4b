package domain

import (
	"context"
	"encoding/json"
)

// ToolDescriptor is a tool as published by a tool server.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema object
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolStatus string

const (
	ToolStatusOK    ToolStatus = "ok"
	ToolStatusError ToolStatus = "error"
)

// ToolResult is the outcome of one dispatch. Failures are values, not
// errors, so they can be fed back to the model.
type ToolResult struct {
	Status     ToolStatus `json:"status"`
	Content    string     `json:"content,omitempty"`
	Structured any        `json:"structured,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// OK builds a successful result.
func OK(content string) ToolResult {
	return ToolResult{Status: ToolStatusOK, Content: content}
}

// Failed builds an error result from err.
func Failed(err error) ToolResult {
	return ToolResult{Status: ToolStatusError, Error: err.Error()}
}

func (r ToolResult) IsError() bool { return r.Status == ToolStatusError }

// Text renders the result as the tool turn content the model sees. A
// failing tool's own message takes precedence over the error summary.
func (r ToolResult) Text() string {
	if r.IsError() {
		if r.Content != "" {
			return r.Content
		}
		return "Error: " + r.Error
	}
	if r.Content == "" && r.Structured != nil {
		if b, err := json.Marshal(r.Structured); err == nil {
			return string(b)
		}
	}
	return r.Content
}

// ToolDispatcher routes tool calls to whatever owns them.
type ToolDispatcher interface {
	Definitions() []ToolDescriptor
	Dispatch(ctx context.Context, call ToolCall) ToolResult
}
