package main

import (
	"bufio"
	"strings"
	"testing"

	"mcpchat/internal/config"
)

func TestChooseBackend_Gemini(t *testing.T) {
	cfg := config.Defaults()
	if err := chooseBackend(cfg, bufio.NewReader(strings.NewReader("3\n"))); err != nil {
		t.Fatalf("chooseBackend: %v", err)
	}
	if cfg.General.DefaultProvider != "gemini" {
		t.Fatalf("expected gemini, got %s", cfg.General.DefaultProvider)
	}
	if !cfg.Providers["gemini"].Enabled || cfg.Providers["azure"].Enabled {
		t.Fatal("only gemini should be enabled")
	}
	if cfg.Providers["gemini"].APIKey != "${GEMINI_API_KEY}" {
		t.Fatalf("key should stay a variable reference, got %q", cfg.Providers["gemini"].APIKey)
	}
}

func TestChooseBackend_OpenAIAddsEntry(t *testing.T) {
	cfg := config.Defaults()
	input := "2\nhttps://llm.internal/v1\n\n"
	if err := chooseBackend(cfg, bufio.NewReader(strings.NewReader(input))); err != nil {
		t.Fatalf("chooseBackend: %v", err)
	}
	pc := cfg.Providers["openai"]
	if pc.Kind != "openai" || pc.APIBase != "https://llm.internal/v1" || pc.DefaultModel != "gpt-4o-mini" {
		t.Fatalf("unexpected provider %+v", pc)
	}
	if pc.APIKey != "${OPENAI_API_KEY}" {
		t.Fatalf("unexpected key %q", pc.APIKey)
	}
}

func TestChooseBackend_InvalidChoiceFallsBack(t *testing.T) {
	cfg := config.Defaults()
	if err := chooseBackend(cfg, bufio.NewReader(strings.NewReader("99\n"))); err != nil {
		t.Fatalf("chooseBackend: %v", err)
	}
	if cfg.General.DefaultProvider != "azure" {
		t.Fatalf("expected azure, got %s", cfg.General.DefaultProvider)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  Run a command.\nMore detail."); got != "Run a command." {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 100)
	if got := firstLine(long); len(got) != 80 || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation, got %d chars", len(got))
	}
}
