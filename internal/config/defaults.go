package config

const DefaultSystemPrompt = "You are a helpful AI assistant that uses tools to solve problems."

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:           "info",
			DefaultProvider:    "azure",
			SystemPrompt:       DefaultSystemPrompt,
			MaxIterations:      10,
			MaxParallelTools:   5,
			TurnTimeoutSeconds: 600,
			CancelGraceSeconds: 2,
		},
		Providers: map[string]ProviderConfig{
			"azure": {
				Enabled:    true,
				Kind:       "azure",
				APIBase:    "${AZURE_OPENAI_ENDPOINT}",
				APIKey:     "${AZURE_API_KEY}",
				Deployment: "${DEPLOYMENT_NAME}",
				APIVersion: "${API_VERSION:-2024-02-15-preview}",
			},
			"gemini": {
				Enabled:      false,
				Kind:         "gemini",
				APIKey:       "${GEMINI_API_KEY}",
				DefaultModel: "${GEMINI_MODEL:-gemini-1.5-pro-latest}",
			},
			"anthropic": {
				Enabled:      false,
				Kind:         "anthropic",
				APIKey:       "${ANTHROPIC_API_KEY}",
				DefaultModel: "claude-3-5-sonnet-latest",
				MaxTokens:    4096,
			},
			"ollama": {
				Enabled:       false,
				Kind:          "ollama",
				APIBase:       "${OLLAMA_HOST:-http://localhost:11434}",
				DefaultModel:  "llama3.1:8b",
				TextToolCalls: true,
			},
		},
		Web: WebConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			MaxUploadBytes: 10 << 20,
		},
		MCP: MCPConfig{
			HandshakeTimeoutSeconds: 10,
			Servers: []MCPServerEntry{
				{
					Name:      "terminal",
					Transport: TransportStdio,
					Command:   "mcpchat-terminal",
				},
				{
					Name:      "file_creator",
					Transport: TransportStdio,
					Command:   "mcpchat-filecreator",
				},
				{
					Name:      "github",
					Transport: TransportContainer,
					Image:     "mcp-github",
					PassEnv:   []string{"GITHUB_PERSONAL_ACCESS_TOKEN"},
				},
			},
		},
		Audit: AuditConfig{
			Enabled: true,
			DBPath:  "~/.mcpchat/audit.db",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
