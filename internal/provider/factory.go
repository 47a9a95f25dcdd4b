// Package provider holds the reasoning backends: one implementation of
// domain.Backend per model API, selected by configuration.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"mcpchat/internal/config"
	"mcpchat/internal/domain"
)

// Constructor builds a backend from its config entry.
type Constructor func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Backend, error)

// Factory creates and caches backends from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.Backend
	mu           sync.Mutex
}

// NewFactory returns a factory with the built-in kinds registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Backend),
	}
	f.registerDefaults()
	return f
}

// Register adds or replaces the constructor for a kind.
func (f *Factory) Register(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["azure"] = func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Backend, error) {
		return NewOpenAI(OpenAIConfig{
			Azure:       true,
			APIKey:      pc.APIKey,
			APIBase:     pc.APIBase,
			Deployment:  pc.Deployment,
			APIVersion:  pc.APIVersion,
			Model:       pc.DefaultModel,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Logger:      logger,
		})
	}
	f.constructors["openai"] = func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Backend, error) {
		return NewOpenAI(OpenAIConfig{
			APIKey:      pc.APIKey,
			APIBase:     pc.APIBase,
			Model:       pc.DefaultModel,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Logger:      logger,
		})
	}
	f.constructors["gemini"] = func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Backend, error) {
		return NewGemini(ctx, GeminiConfig{
			APIKey:      pc.APIKey,
			Model:       pc.DefaultModel,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Logger:      logger,
		})
	}
	f.constructors["anthropic"] = func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Backend, error) {
		return NewClaude(ClaudeConfig{
			APIKey:      pc.APIKey,
			APIBase:     pc.APIBase,
			Model:       pc.DefaultModel,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Logger:      logger,
		})
	}
	f.constructors["claude"] = f.constructors["anthropic"]
	f.constructors["ollama"] = func(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (domain.Backend, error) {
		return NewOllama(OllamaConfig{
			APIBase:     pc.APIBase,
			Model:       pc.DefaultModel,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Logger:      logger,
		})
	}
}

// Get returns the backend configured under name, or the default backend
// when name is empty. Backends are built once and reused.
func (f *Factory) Get(ctx context.Context, name string) (domain.Backend, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	kind := pc.Kind
	if kind == "" {
		kind = name
	}

	ctor, found := f.constructors[kind]
	if !found {
		if pc.APIBase == "" || pc.APIKey == "" {
			return nil, fmt.Errorf("provider %s: unknown kind %q and no API base/key for an OpenAI-compatible fallback", name, kind)
		}
		// Unknown kinds with an endpoint are treated as OpenAI-compatible.
		ctor = f.constructors["openai"]
	}

	b, err := ctor(ctx, pc, f.logger.With("provider", name))
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	f.cache[name] = b
	return b, nil
}

// Default returns the backend turns run against: a failover chain when
// general.failoverChain is set, otherwise the default provider. Chain
// members that cannot be built are skipped with a warning.
func (f *Factory) Default(ctx context.Context) (domain.Backend, error) {
	chain := f.cfg.General.FailoverChain
	if len(chain) == 0 {
		return f.Get(ctx, "")
	}
	var backends []domain.Backend
	for _, name := range chain {
		b, err := f.Get(ctx, name)
		if err != nil {
			f.logger.Warn("failover chain member unavailable", "provider", name, "err", err)
			continue
		}
		backends = append(backends, b)
	}
	switch len(backends) {
	case 0:
		return nil, fmt.Errorf("no provider in failover chain %v could be built", chain)
	case 1:
		return backends[0], nil
	}
	return NewFailover(backends, f.logger), nil
}

// Close releases backends that hold connections.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for name, b := range f.cache {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	f.cache = make(map[string]domain.Backend)
	return errors.Join(errs...)
}
