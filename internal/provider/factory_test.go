package provider

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"mcpchat/internal/config"
	"mcpchat/internal/domain"
)

func factoryConfig(providers map[string]config.ProviderConfig, def string, chain ...string) *config.Config {
	cfg := config.Defaults()
	cfg.Providers = providers
	cfg.General.DefaultProvider = def
	cfg.General.FailoverChain = chain
	return cfg
}

func stubCtor(built *int) Constructor {
	return func(_ context.Context, pc config.ProviderConfig, _ *slog.Logger) (domain.Backend, error) {
		*built++
		return &mockBackend{name: pc.DefaultModel}, nil
	}
}

func TestFactory_GetCachesBackends(t *testing.T) {
	cfg := factoryConfig(map[string]config.ProviderConfig{
		"main": {Enabled: true, Kind: "stub", DefaultModel: "m1"},
	}, "main")
	f := NewFactory(cfg, testLogger())
	built := 0
	f.Register("stub", stubCtor(&built))

	b1, err := f.Get(context.Background(), "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b2, _ := f.Get(context.Background(), "main")
	if b1 != b2 || built != 1 {
		t.Fatalf("expected one cached backend, built %d", built)
	}
	if b1.Name() != "m1" {
		t.Fatalf("unexpected backend %q", b1.Name())
	}
}

func TestFactory_UnknownAndDisabled(t *testing.T) {
	cfg := factoryConfig(map[string]config.ProviderConfig{
		"off": {Enabled: false, Kind: "openai"},
	}, "off")
	f := NewFactory(cfg, testLogger())

	if _, err := f.Get(context.Background(), "missing"); err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
	if _, err := f.Get(context.Background(), "off"); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

func TestFactory_KindDefaultsToName(t *testing.T) {
	cfg := factoryConfig(map[string]config.ProviderConfig{
		"stub": {Enabled: true, DefaultModel: "by-name"},
	}, "stub")
	f := NewFactory(cfg, testLogger())
	built := 0
	f.Register("stub", stubCtor(&built))

	b, err := f.Get(context.Background(), "stub")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Name() != "by-name" {
		t.Fatalf("unexpected backend %q", b.Name())
	}
}

func TestFactory_UnknownKindFallsBackToOpenAICompatible(t *testing.T) {
	cfg := factoryConfig(map[string]config.ProviderConfig{
		"groq": {Enabled: true, Kind: "groq", APIBase: "https://api.groq.example/v1", APIKey: "k"},
		"bare": {Enabled: true, Kind: "groq"},
	}, "groq")
	f := NewFactory(cfg, testLogger())

	b, err := f.Get(context.Background(), "groq")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := b.(*OpenAI); !ok {
		t.Fatalf("expected OpenAI-compatible backend, got %T", b)
	}
	if _, err := f.Get(context.Background(), "bare"); err == nil {
		t.Fatal("expected error for unknown kind without endpoint")
	}
}

func TestFactory_DefaultBuildsFailoverChain(t *testing.T) {
	cfg := factoryConfig(map[string]config.ProviderConfig{
		"a":   {Enabled: true, Kind: "stub", DefaultModel: "a"},
		"b":   {Enabled: true, Kind: "stub", DefaultModel: "b"},
		"off": {Enabled: false, Kind: "stub"},
	}, "a", "a", "off", "b")
	f := NewFactory(cfg, testLogger())
	built := 0
	f.Register("stub", stubCtor(&built))

	b, err := f.Default(context.Background())
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if b.Name() != "failover(a→b)" {
		t.Fatalf("unexpected chain %q", b.Name())
	}
}

func TestFactory_DefaultSingleMember(t *testing.T) {
	cfg := factoryConfig(map[string]config.ProviderConfig{
		"a":   {Enabled: true, Kind: "stub", DefaultModel: "a"},
		"off": {Enabled: false, Kind: "stub"},
	}, "a", "off", "a")
	f := NewFactory(cfg, testLogger())
	built := 0
	f.Register("stub", stubCtor(&built))

	b, err := f.Default(context.Background())
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if _, ok := b.(*Failover); ok {
		t.Fatal("a single usable member should not be wrapped")
	}
}
