package domain

import "context"

// Backend is a reasoning model. Generate returns either a final answer
// or one or more tool calls to execute before asking again.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
}

type GenerateRequest struct {
	System string
	Turns  []Turn
	Tools  []ToolDescriptor
}

type Generation struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// IsFinal reports whether the model answered without requesting tools.
func (g *Generation) IsFinal() bool {
	return len(g.ToolCalls) == 0
}
