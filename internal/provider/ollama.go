package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	ollama "github.com/ollama/ollama/api"

	"mcpchat/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama is a backend for a local or remote Ollama server.
type Ollama struct {
	client      *ollama.Client
	model       string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

type OllamaConfig struct {
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
	HTTPClient  *http.Client // optional
}

func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient(0)
	}
	u, err := url.Parse(cfg.APIBase)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid API base %q: %w", cfg.APIBase, err)
	}
	return &Ollama{
		client:      ollama.NewClient(u, cfg.HTTPClient),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      cfg.Logger,
	}, nil
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.Generation, error) {
	msgs, err := ollamaMessages(req.System, req.Turns)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode messages: %w", err)
	}
	tools, err := ollamaTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode tools: %w", err)
	}
	stream := false
	creq := &ollama.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Tools:    tools,
		Stream:   &stream,
	}
	opts := map[string]any{}
	if o.temperature > 0 {
		opts["temperature"] = o.temperature
	}
	if o.maxTokens > 0 {
		opts["num_predict"] = o.maxTokens
	}
	if len(opts) > 0 {
		creq.Options = opts
	}

	resp, err := withRetry(ctx, o.logger, o.Name(), func() (ollama.ChatResponse, error) {
		var last ollama.ChatResponse
		err := o.client.Chat(ctx, creq, func(r ollama.ChatResponse) error {
			last = r
			return nil
		})
		return last, err
	})
	if err != nil {
		return nil, err
	}

	gen := &domain.Generation{
		Content: resp.Message.Content,
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		},
	}
	for _, tc := range resp.Message.ToolCalls {
		args, err := ollamaArguments(tc.Function.Arguments)
		if err != nil {
			o.logger.Warn("dropping malformed tool call", "backend", o.Name(), "tool", tc.Function.Name, "err", err)
			continue
		}
		gen.ToolCalls = append(gen.ToolCalls, domain.ToolCall{
			ID:        "call-" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return gen, nil
}

// ollamaWireMessage mirrors the /api/chat message JSON. Messages are built
// here and decoded into the client's types so argument maps keep their
// shape regardless of how the client models them.
type ollamaWireMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaWireCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaWireCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

func ollamaMessages(system string, turns []domain.Turn) ([]ollama.Message, error) {
	wire := make([]ollamaWireMessage, 0, len(turns)+1)
	if system != "" {
		wire = append(wire, ollamaWireMessage{Role: "system", Content: system})
	}
	for _, t := range turns {
		switch t.Role {
		case domain.RoleTool:
			wire = append(wire, ollamaWireMessage{Role: "tool", Content: t.Content, ToolName: t.ToolName})
		case domain.RoleAssistant:
			m := ollamaWireMessage{Role: "assistant", Content: t.Content}
			for _, tc := range t.ToolCalls {
				var call ollamaWireCall
				call.Function.Name = tc.Name
				call.Function.Arguments = tc.Arguments
				if call.Function.Arguments == nil {
					call.Function.Arguments = map[string]any{}
				}
				m.ToolCalls = append(m.ToolCalls, call)
			}
			wire = append(wire, m)
		case domain.RoleSystem:
			wire = append(wire, ollamaWireMessage{Role: "system", Content: t.Content})
		default:
			wire = append(wire, ollamaWireMessage{Role: "user", Content: t.Text()})
		}
	}
	var out []ollama.Message
	if err := roundTrip(wire, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func ollamaTools(tools []domain.ToolDescriptor) (ollama.Tools, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	type fn struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}
	type tool struct {
		Type     string `json:"type"`
		Function fn     `json:"function"`
	}
	wire := make([]tool, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, tool{Type: "function", Function: fn{t.Name, t.Description, t.Parameters}})
	}
	var out ollama.Tools
	if err := roundTrip(wire, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func ollamaArguments(v any) (map[string]any, error) {
	args := map[string]any{}
	if err := roundTrip(v, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
