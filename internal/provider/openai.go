package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"mcpchat/internal/domain"
)

const (
	openaiDefaultModel     = "gpt-4o-mini"
	azureDefaultAPIVersion = "2024-02-15-preview"
)

// OpenAI is a backend for the OpenAI chat completions API and for Azure
// OpenAI deployments, which speak the same protocol.
type OpenAI struct {
	name        string
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	logger      *slog.Logger
}

type OpenAIConfig struct {
	Name        string // reported by Name; defaults to "openai" or "azure"
	APIKey      string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger

	// Azure selects Azure OpenAI. Deployment replaces the model name on
	// the wire.
	Azure      bool
	Deployment string
	APIVersion string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var clientCfg openai.ClientConfig
	if cfg.Azure {
		if cfg.APIBase == "" {
			return nil, errors.New("azure: endpoint is required")
		}
		if cfg.Deployment == "" {
			return nil, errors.New("azure: deployment is required")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.APIBase)
		if cfg.APIVersion == "" {
			cfg.APIVersion = azureDefaultAPIVersion
		}
		clientCfg.APIVersion = cfg.APIVersion
		deployment := cfg.Deployment
		clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
		if cfg.Model == "" {
			cfg.Model = deployment
		}
		if cfg.Name == "" {
			cfg.Name = "azure"
		}
	} else {
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.APIBase != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.APIBase, "/")
		}
		if cfg.Model == "" {
			cfg.Model = openaiDefaultModel
		}
		if cfg.Name == "" {
			cfg.Name = "openai"
		}
	}
	clientCfg.HTTPClient = newHTTPClient(0)
	return &OpenAI{
		name:        cfg.Name,
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		logger:      cfg.Logger,
	}, nil
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.Generation, error) {
	creq := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    openaiMessages(req.System, req.Turns),
		Tools:       openaiTools(req.Tools),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}
	resp, err := withRetry(ctx, o.logger, o.name, func() (openai.ChatCompletionResponse, error) {
		return o.client.CreateChatCompletion(ctx, creq)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s: empty response", domain.ErrModelUnavailable, o.name)
	}

	msg := resp.Choices[0].Message
	gen := &domain.Generation{
		Content: msg.Content,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		call, err := openaiToolCall(tc)
		if err != nil {
			o.logger.Warn("dropping malformed tool call", "backend", o.name, "tool", tc.Function.Name, "err", err)
			continue
		}
		gen.ToolCalls = append(gen.ToolCalls, call)
	}
	return gen, nil
}

func openaiMessages(system string, turns []domain.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, t := range turns {
		switch t.Role {
		case domain.RoleTool:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    t.Content,
				ToolCallID: t.ToolCallID,
				Name:       t.ToolName,
			})
		case domain.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Content}
			for _, tc := range t.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			msgs = append(msgs, m)
		case domain.RoleSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: t.Content})
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.Text()})
		}
	}
	return msgs
}

func openaiTools(tools []domain.ToolDescriptor) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func openaiToolCall(tc openai.ToolCall) (domain.ToolCall, error) {
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return domain.ToolCall{}, fmt.Errorf("decode arguments: %w", err)
		}
	}
	id := tc.ID
	if id == "" {
		id = "call-" + uuid.NewString()
	}
	return domain.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args}, nil
}
