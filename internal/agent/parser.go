package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"mcpchat/internal/domain"
)

// extractToolCalls recovers tool calls that a model wrote into its text
// instead of the structured tool_calls field, as small local models do.
// The whole content must be the call: an answer that quotes a call inside
// prose is an answer. Only calls naming a tool in known are returned.
// Accepted shapes:
//   - `{"name":"create_file","arguments":{...}}` or an array of those
//   - the same inside a ```json fence
func extractToolCalls(content string, known []string) []domain.ToolCall {
	content = strings.TrimSpace(stripRolePrefix(content))
	if content == "" {
		return nil
	}
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	calls := parseToolJSON(content)

	out := calls[:0]
	for _, c := range calls {
		if name, ok := matchToolName(c.Name, known); ok {
			c.Name = name
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type textCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

func (c textCall) toolCall() domain.ToolCall {
	args := c.Arguments
	if args == nil {
		args = c.Parameters
	}
	if args == nil {
		args = map[string]any{}
	}
	return domain.ToolCall{ID: "call-" + uuid.NewString(), Name: c.Name, Arguments: args}
}

func parseToolJSON(raw string) []domain.ToolCall {
	if raw == "" {
		return nil
	}
	data := []byte(raw)
	if !json.Valid(data) {
		data = []byte(sanitizeJSONEscapes(raw))
	}

	switch data[0] {
	case '{':
		var single textCall
		if json.Unmarshal(data, &single) == nil && single.Name != "" {
			return []domain.ToolCall{single.toolCall()}
		}
	case '[':
		var multi []textCall
		if json.Unmarshal(data, &multi) != nil {
			return nil
		}
		var calls []domain.ToolCall
		for _, c := range multi {
			if c.Name != "" {
				calls = append(calls, c.toolCall())
			}
		}
		return calls
	}
	return nil
}

// matchToolName maps name onto a registered tool, tolerating case and the
// hyphen or missing underscore variants models produce.
func matchToolName(name string, known []string) (string, bool) {
	fold := func(s string) string {
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "-", "")
		return strings.ReplaceAll(s, "_", "")
	}
	want := fold(name)
	for _, k := range known {
		if k == name {
			return k, true
		}
	}
	for _, k := range known {
		if fold(k) == want {
			return k, true
		}
	}
	return "", false
}

// stripRolePrefix removes a role name some chat templates leak into the
// content, e.g. "assistant\nHello" or "Assistant: Hello".
func stripRolePrefix(content string) string {
	for _, p := range []string{"assistant\n", "Assistant\n", "assistant:\n", "Assistant:\n", "assistant: ", "Assistant: "} {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// sanitizeJSONEscapes drops the backslash of escape sequences JSON does
// not allow (\% or \Y), which some models emit inside strings.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(s[i+1])
				i++
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
