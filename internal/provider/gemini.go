package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"mcpchat/internal/domain"
)

const geminiDefaultModel = "gemini-1.5-pro-latest"

// Gemini is a backend for the Google Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.Generation, error) {
	gm := g.client.GenerativeModel(g.model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		gm.Tools = []*genai.Tool{{FunctionDeclarations: geminiDeclarations(req.Tools)}}
	}
	if g.maxTokens > 0 {
		gm.SetMaxOutputTokens(int32(g.maxTokens))
	}
	if g.temperature > 0 {
		gm.SetTemperature(float32(g.temperature))
	}

	history := geminiContents(req.Turns)
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: gemini: no turns to send", domain.ErrModelUnavailable)
	}
	last := history[len(history)-1]

	resp, err := withRetry(ctx, g.logger, g.Name(), func() (*genai.GenerateContentResponse, error) {
		cs := gm.StartChat()
		cs.History = append([]*genai.Content(nil), history[:len(history)-1]...)
		return cs.SendMessage(ctx, last.Parts...)
	})
	if err != nil {
		return nil, err
	}
	return geminiGeneration(resp), nil
}

// geminiContents maps turns to Gemini contents. Consecutive tool results
// are grouped into one content, which the API requires after a parallel
// function call.
func geminiContents(turns []domain.Turn) []*genai.Content {
	var out []*genai.Content
	for _, t := range turns {
		switch t.Role {
		case domain.RoleTool:
			part := genai.FunctionResponse{
				Name:     t.ToolName,
				Response: map[string]any{"result": t.Content},
			}
			if n := len(out); n > 0 && out[n-1].Role == "user" && isFunctionResponse(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		case domain.RoleAssistant:
			var parts []genai.Part
			if t.Content != "" {
				parts = append(parts, genai.Text(t.Content))
			}
			for _, tc := range t.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Arguments})
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: "model", Parts: parts})
			}
		case domain.RoleSystem:
			// Carried by SystemInstruction.
		default:
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.Text())}})
		}
	}
	return out
}

func isFunctionResponse(c *genai.Content) bool {
	if len(c.Parts) == 0 {
		return false
	}
	_, ok := c.Parts[0].(genai.FunctionResponse)
	return ok
}

func geminiGeneration(resp *genai.GenerateContentResponse) *domain.Generation {
	gen := &domain.Generation{}
	var text strings.Builder
	// Only the first candidate is used.
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				text.WriteString(string(p))
			case genai.FunctionCall:
				args := p.Args
				if args == nil {
					args = map[string]any{}
				}
				gen.ToolCalls = append(gen.ToolCalls, domain.ToolCall{
					ID:        "call-" + uuid.NewString(),
					Name:      p.Name,
					Arguments: args,
				})
			}
		}
	}
	gen.Content = text.String()
	if resp.UsageMetadata != nil {
		gen.Usage = domain.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return gen
}

func geminiDeclarations(tools []domain.ToolDescriptor) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		// Gemini rejects an object schema without properties.
		if s := geminiSchema(t.Parameters); s != nil && len(s.Properties) > 0 {
			decl.Parameters = s
		}
		out = append(out, decl)
	}
	return out
}

// geminiSchema converts a JSON schema object into the subset Gemini
// understands. Unknown keywords are dropped.
func geminiSchema(js map[string]any) *genai.Schema {
	if js == nil {
		return nil
	}
	s := &genai.Schema{}
	typ, _ := js["type"].(string)
	if types, ok := js["type"].([]any); ok {
		// ["string", "null"] style unions.
		for _, v := range types {
			if name, _ := v.(string); name == "null" {
				s.Nullable = true
			} else if name != "" && typ == "" {
				typ = name
			}
		}
	}
	switch typ {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	case "object":
		s.Type = genai.TypeObject
	default:
		if _, ok := js["properties"]; ok {
			s.Type = genai.TypeObject
		} else {
			s.Type = genai.TypeString
		}
	}
	s.Description, _ = js["description"].(string)
	s.Format, _ = js["format"].(string)

	if enum, ok := js["enum"].([]any); ok {
		for _, v := range enum {
			s.Enum = append(s.Enum, fmt.Sprint(v))
		}
	}
	if items, ok := js["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	if props, ok := js["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if p, ok := raw.(map[string]any); ok {
				s.Properties[name] = geminiSchema(p)
			}
		}
	}
	s.Required = stringList(js["required"])
	return s
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
