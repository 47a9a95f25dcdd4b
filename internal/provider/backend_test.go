package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/generative-ai-go/genai"

	"mcpchat/internal/domain"
)

var createFile = domain.ToolDescriptor{
	Name:        "create_file",
	Description: "Create a file",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "where"},
			"content": map[string]any{"type": "string"},
		},
		"required": []any{"path", "content"},
	},
}

// toolRoundTrip is the working context after one create_file call.
func toolRoundTrip() []domain.Turn {
	call := domain.ToolCall{ID: "call-1", Name: "create_file", Arguments: map[string]any{"path": "out.txt", "content": "hello"}}
	return []domain.Turn{
		{Role: domain.RoleUser, Content: "create out.txt", Attachment: "[File content: x]"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{call}},
		{Role: domain.RoleTool, ToolCallID: "call-1", ToolName: "create_file", Content: "File created at out.txt"},
	}
}

func TestOpenAI_ToolCallResponse(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_9","type":"function","function":{"name":"create_file","arguments":"{\"path\":\"a.txt\",\"content\":\"hi\"}"}}]}}],"usage":{"prompt_tokens":11,"completion_tokens":3,"total_tokens":14}}`)
	}))
	defer srv.Close()

	b, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL + "/v1", Model: "gpt-test", Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	gen, err := b.Generate(context.Background(), domain.GenerateRequest{
		System: "be helpful",
		Turns:  toolRoundTrip(),
		Tools:  []domain.ToolDescriptor{createFile},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.IsFinal() || len(gen.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", gen)
	}
	tc := gen.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "create_file" || tc.Arguments["path"] != "a.txt" {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	if gen.Usage.PromptTokens != 11 || gen.Usage.CompletionTokens != 3 {
		t.Fatalf("unexpected usage %+v", gen.Usage)
	}

	msgs, _ := got["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected system + 3 messages, got %d", len(msgs))
	}
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i], _ = m.(map[string]any)["role"].(string)
	}
	if strings.Join(roles, ",") != "system,user,assistant,tool" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if content, _ := msgs[1].(map[string]any)["content"].(string); !strings.Contains(content, "[File content: x]") {
		t.Fatalf("attachment preview not sent: %q", content)
	}
	if id, _ := msgs[3].(map[string]any)["tool_call_id"].(string); id != "call-1" {
		t.Fatalf("tool_call_id not sent: %v", msgs[3])
	}
	if tools, _ := got["tools"].([]any); len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %v", got["tools"])
	}
}

func TestOpenAI_AzureDeploymentRouting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/gpt4-prod/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if v := r.URL.Query().Get("api-version"); v != "2024-02-15-preview" {
			t.Errorf("unexpected api-version %q", v)
		}
		if key := r.Header.Get("api-key"); key != "azure-key" {
			t.Errorf("unexpected api-key header %q", key)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"hello from azure"}}]}`)
	}))
	defer srv.Close()

	b, err := NewOpenAI(OpenAIConfig{Azure: true, APIKey: "azure-key", APIBase: srv.URL, Deployment: "gpt4-prod", Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if b.Name() != "azure" {
		t.Fatalf("expected name azure, got %q", b.Name())
	}
	gen, err := b.Generate(context.Background(), domain.GenerateRequest{Turns: []domain.Turn{{Role: domain.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !gen.IsFinal() || gen.Content != "hello from azure" {
		t.Fatalf("unexpected generation %+v", gen)
	}
}

func TestOpenAI_AzureRequiresDeployment(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{Azure: true, APIBase: "https://x.openai.azure.com"}); err == nil {
		t.Fatal("expected error without deployment")
	}
}

func TestOpenAI_ServerErrorIsModelUnavailable(t *testing.T) {
	fastBackoff(t)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
	}))
	defer srv.Close()

	b, _ := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	_, err := b.Generate(context.Background(), domain.GenerateRequest{Turns: []domain.Turn{{Role: domain.RoleUser, Content: "hi"}}})
	if err == nil || !strings.Contains(err.Error(), domain.ErrModelUnavailable.Error()) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if calls != maxRetries+1 {
		t.Fatalf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestOllama_ToolCallResponse(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"create_file","arguments":{"path":"out.txt","content":"hello"}}}]},"done":true,"prompt_eval_count":5,"eval_count":7}`)
	}))
	defer srv.Close()

	b, err := NewOllama(OllamaConfig{APIBase: srv.URL, Model: "llama", Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	gen, err := b.Generate(context.Background(), domain.GenerateRequest{
		System: "sys",
		Turns:  toolRoundTrip(),
		Tools:  []domain.ToolDescriptor{createFile},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(gen.ToolCalls) != 1 || gen.ToolCalls[0].Arguments["content"] != "hello" {
		t.Fatalf("unexpected tool calls %+v", gen.ToolCalls)
	}
	if !strings.HasPrefix(gen.ToolCalls[0].ID, "call-") {
		t.Fatalf("expected generated call id, got %q", gen.ToolCalls[0].ID)
	}
	if gen.Usage.PromptTokens != 5 || gen.Usage.CompletionTokens != 7 {
		t.Fatalf("unexpected usage %+v", gen.Usage)
	}
	if stream, ok := got["stream"].(bool); !ok || stream {
		t.Fatalf("expected stream=false, got %v", got["stream"])
	}
	if msgs, _ := got["messages"].([]any); len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %v", got["messages"])
	}
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "where"},
			"count": map[string]any{"type": []any{"integer", "null"}},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"mode":  map[string]any{"type": "string", "enum": []any{"a", "b"}},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	})
	if s.Type != genai.TypeObject {
		t.Fatalf("expected object, got %v", s.Type)
	}
	if p := s.Properties["path"]; p == nil || p.Type != genai.TypeString || p.Description != "where" {
		t.Fatalf("unexpected path schema %+v", p)
	}
	if c := s.Properties["count"]; c == nil || c.Type != genai.TypeInteger || !c.Nullable {
		t.Fatalf("unexpected count schema %+v", c)
	}
	if tags := s.Properties["tags"]; tags == nil || tags.Type != genai.TypeArray || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Fatalf("unexpected tags schema %+v", tags)
	}
	if m := s.Properties["mode"]; m == nil || len(m.Enum) != 2 {
		t.Fatalf("unexpected mode schema %+v", m)
	}
	if len(s.Required) != 1 || s.Required[0] != "path" {
		t.Fatalf("unexpected required %v", s.Required)
	}
}

func TestGeminiDeclarations_EmptyParamsOmitted(t *testing.T) {
	decls := geminiDeclarations([]domain.ToolDescriptor{
		{Name: "ping", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}},
		createFile,
	})
	if decls[0].Parameters != nil {
		t.Fatal("object schema without properties must be omitted")
	}
	if decls[1].Parameters == nil {
		t.Fatal("expected parameters for create_file")
	}
}

func TestGeminiContents_GroupsToolResults(t *testing.T) {
	turns := []domain.Turn{
		{Role: domain.RoleUser, Content: "two files"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "1", Name: "create_file"}, {ID: "2", Name: "create_file"}}},
		{Role: domain.RoleTool, ToolCallID: "1", ToolName: "create_file", Content: "ok 1"},
		{Role: domain.RoleTool, ToolCallID: "2", ToolName: "create_file", Content: "ok 2"},
	}
	contents := geminiContents(turns)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != "model" || len(contents[1].Parts) != 2 {
		t.Fatalf("unexpected model content %+v", contents[1])
	}
	if contents[2].Role != "user" || len(contents[2].Parts) != 2 {
		t.Fatalf("tool results must share one content, got %+v", contents[2])
	}
	fr, ok := contents[2].Parts[1].(genai.FunctionResponse)
	if !ok || fr.Name != "create_file" || fr.Response["result"] != "ok 2" {
		t.Fatalf("unexpected function response %+v", contents[2].Parts[1])
	}
}

func TestClaudeMessages_ToolResultsShareUserMessage(t *testing.T) {
	turns := []domain.Turn{
		{Role: domain.RoleUser, Content: "two files"},
		{Role: domain.RoleAssistant, Content: "on it", ToolCalls: []domain.ToolCall{{ID: "1", Name: "create_file"}, {ID: "2", Name: "create_file"}}},
		{Role: domain.RoleTool, ToolCallID: "1", Content: "ok 1"},
		{Role: domain.RoleTool, ToolCallID: "2", Content: "ok 2"},
	}
	msgs := claudeMessages(turns)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != anthropic.MessageParamRoleAssistant || len(msgs[1].Content) != 3 {
		t.Fatalf("unexpected assistant message %+v", msgs[1])
	}
	if msgs[2].Role != anthropic.MessageParamRoleUser || len(msgs[2].Content) != 2 {
		t.Fatalf("tool results must share one user message, got %+v", msgs[2])
	}
}

func TestClaudeTools(t *testing.T) {
	tools := claudeTools([]domain.ToolDescriptor{createFile})
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("unexpected tools %+v", tools)
	}
	schema := tools[0].OfTool.InputSchema
	if len(schema.Required) != 2 {
		t.Fatalf("unexpected required %v", schema.Required)
	}
	if props, ok := schema.Properties.(map[string]any); !ok || len(props) != 2 {
		t.Fatalf("unexpected properties %v", schema.Properties)
	}
}
