package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mcpchat.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Web       WebConfig                 `json:"web"`
	MCP       MCPConfig                 `json:"mcp"`
	Audit     AuditConfig               `json:"audit"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel           string   `json:"logLevel"`
	LogFile            string   `json:"logFile,omitempty"`
	DefaultProvider    string   `json:"defaultProvider"`
	FailoverChain      []string `json:"failoverChain,omitempty"`
	SystemPrompt       string   `json:"systemPrompt,omitempty"`
	MaxIterations      int      `json:"maxIterations"`
	MaxParallelTools   int      `json:"maxParallelTools"`
	TurnTimeoutSeconds int      `json:"turnTimeoutSeconds"`
	CancelGraceSeconds int      `json:"cancelGraceSeconds"`
	HistoryLimit       int      `json:"historyLimit"` // 0 = send the whole history
	AllowedTools       []string `json:"allowedTools,omitempty"` // empty = every registered tool
	DeniedTools        []string `json:"deniedTools,omitempty"`
}

// ProviderConfig configures one reasoning backend. Kind selects the
// implementation: azure | openai | gemini | anthropic | ollama.
type ProviderConfig struct {
	Enabled      bool    `json:"enabled"`
	Kind         string  `json:"kind"`
	APIBase      string  `json:"apiBase,omitempty"`
	APIKey       string  `json:"apiKey,omitempty"`
	DefaultModel string  `json:"defaultModel,omitempty"`
	Deployment   string  `json:"deployment,omitempty"` // azure only
	APIVersion   string  `json:"apiVersion,omitempty"` // azure only
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`

	// TextToolCalls accepts an answer that is only a JSON tool call as a
	// call, for models without native tool calling.
	TextToolCalls bool `json:"textToolCalls,omitempty"`
}

type WebConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	MaxUploadBytes int64  `json:"maxUploadBytes"`
}

// MCPConfig lists the tool servers started at boot.
type MCPConfig struct {
	HandshakeTimeoutSeconds int              `json:"handshakeTimeoutSeconds"`
	Servers                 []MCPServerEntry `json:"servers,omitempty"`
}

// MCPServerEntry configures a single tool server.
type MCPServerEntry struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"` // "stdio" | "container"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Image     string            `json:"image,omitempty"` // container only
	Env       map[string]string `json:"env,omitempty"`
	PassEnv   []string          `json:"passEnv,omitempty"` // names copied from our own environment
	Disabled  bool              `json:"disabled,omitempty"`

	// InheritEnv hands a stdio server our whole environment instead of
	// the minimal set plus PassEnv.
	InheritEnv bool `json:"inheritEnv,omitempty"`
}

const (
	TransportStdio     = "stdio"
	TransportContainer = "container"
)

type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.mcpchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcpchat"
	}
	return filepath.Join(home, ".mcpchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	cfg, err := parse(data, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults loads path, falling back to Defaults when the file does
// not exist. Defaults go through the same ${VAR} expansion as a file.
func LoadOrDefaults(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	data, err := json.Marshal(Defaults())
	if err != nil {
		return nil, false, err
	}
	cfg, err = parse(data, false)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, Validate(cfg)
}

func parse(data []byte, yamlInput bool) (*Config, error) {
	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if yamlInput {
		// Route YAML through JSON so both formats share the json field names.
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		var err error
		if data, err = json.Marshal(m); err != nil {
			return nil, err
		}
	}

	cfg := Defaults()
	// Servers in the file replace the default list rather than merging by index.
	if hasServers(data) {
		cfg.MCP.Servers = nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Audit.DBPath = ExpandPath(cfg.Audit.DBPath)
	for i := range cfg.MCP.Servers {
		cfg.MCP.Servers[i].Dir = ExpandPath(cfg.MCP.Servers[i].Dir)
	}
	return cfg, nil
}

func hasServers(data []byte) bool {
	var probe struct {
		MCP struct {
			Servers json.RawMessage `json:"servers"`
		} `json:"mcp"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return len(probe.MCP.Servers) > 0
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	// 0600: the file may hold API keys.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxIterations < 1 || cfg.General.MaxIterations > 200 {
		errs = append(errs, "general.maxIterations must be between 1 and 200")
	}
	if cfg.General.MaxParallelTools < 1 || cfg.General.MaxParallelTools > 64 {
		errs = append(errs, "general.maxParallelTools must be between 1 and 64")
	}
	if cfg.General.TurnTimeoutSeconds < 1 {
		errs = append(errs, "general.turnTimeoutSeconds must be >= 1")
	}
	if cfg.General.CancelGraceSeconds < 0 {
		errs = append(errs, "general.cancelGraceSeconds must be >= 0")
	}
	if cfg.General.HistoryLimit < 0 {
		errs = append(errs, "general.historyLimit must be >= 0")
	}

	if cfg.Web.Port < 0 || cfg.Web.Port > 65535 {
		errs = append(errs, "web.port must be between 0 and 65535")
	}
	if cfg.Web.MaxUploadBytes < 1 {
		errs = append(errs, "web.maxUploadBytes must be >= 1")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok && len(cfg.General.FailoverChain) == 0 {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		switch pc.Kind {
		case "azure":
			if pc.Enabled && pc.Deployment == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: deployment is required for azure", name))
			}
		case "openai", "gemini", "anthropic", "ollama":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: unknown kind %q", name, pc.Kind))
		}
	}

	if cfg.MCP.HandshakeTimeoutSeconds < 1 {
		errs = append(errs, "mcp.handshakeTimeoutSeconds must be >= 1")
	}
	seen := make(map[string]bool)
	for i, s := range cfg.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("mcp.servers.%d: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("mcp.servers.%d: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				errs = append(errs, fmt.Sprintf("mcp.servers.%d: command is required for stdio", i))
			}
		case TransportContainer:
			if s.Image == "" {
				errs = append(errs, fmt.Sprintf("mcp.servers.%d: image is required for container", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("mcp.servers.%d: transport must be one of: stdio, container", i))
		}
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.dbPath is required when audit is enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
