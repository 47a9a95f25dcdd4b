package transport

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpchat/internal/config"
)

func TestContainerArgs_NamesOnly(t *testing.T) {
	entry := config.MCPServerEntry{
		Name:      "github",
		Transport: config.TransportContainer,
		Image:     "mcp-github",
		Args:      []string{"stdio"},
		Env:       map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "ghp_secretvalue", "LOG_LEVEL": "debug"},
		PassEnv:   []string{"GITHUB_PERSONAL_ACCESS_TOKEN", "GITHUB_HOST"},
	}
	args := containerArgs(entry)
	assert.Equal(t, []string{
		"run", "-i", "--rm",
		"-e", "GITHUB_HOST",
		"-e", "GITHUB_PERSONAL_ACCESS_TOKEN",
		"-e", "LOG_LEVEL",
		"mcp-github", "stdio",
	}, args)
	for _, a := range args {
		assert.NotContains(t, a, "ghp_secretvalue")
		assert.NotContains(t, a, "=")
	}
}

func TestMergeEnv_Overrides(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "HOME=/root", "TOKEN=old"}, map[string]string{"TOKEN": "new", "EXTRA": "1"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "EXTRA=1", "TOKEN=new"}, env)
}

func TestNewLauncher_UnknownTransport(t *testing.T) {
	_, err := NewLauncher(config.MCPServerEntry{Name: "x", Transport: "carrier-pigeon"}, nil)
	if assert.Error(t, err) {
		assert.True(t, strings.Contains(err.Error(), "carrier-pigeon"))
	}
}

func TestDockerBinary_Override(t *testing.T) {
	t.Setenv("MCPCHAT_DOCKER", "/usr/local/bin/podman")
	assert.Equal(t, "/usr/local/bin/podman", dockerBinary())
}

func TestDirectEnv_Allowlist(t *testing.T) {
	base := []string{
		"PATH=/bin",
		"HOME=/root",
		"GITHUB_PERSONAL_ACCESS_TOKEN=ghp_secret123",
		"OPENAI_API_KEY=sk-test",
		"GITHUB_HOST=github.example.com",
	}

	env := directEnv(base, config.MCPServerEntry{Name: "fs", Transport: config.TransportStdio})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, env)

	env = directEnv(base, config.MCPServerEntry{Name: "fs", Transport: config.TransportStdio, PassEnv: []string{"GITHUB_HOST"}})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "GITHUB_HOST=github.example.com"}, env)

	env = directEnv(base, config.MCPServerEntry{Name: "fs", Transport: config.TransportStdio, InheritEnv: true})
	assert.Equal(t, base, env)
}

func TestNewLauncher_StdioChildDoesNotSeeSecrets(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv("GITHUB_PERSONAL_ACCESS_TOKEN", "ghp_secret123")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	l, err := NewLauncher(config.MCPServerEntry{
		Name:      "terminal",
		Transport: config.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", "echo token=$GITHUB_PERSONAL_ACCESS_TOKEN; echo key=$OPENAI_API_KEY; echo path=$PATH; echo extra=$EXTRA"},
		Env:       map[string]string{"EXTRA": "1"},
	}, nil)
	require.NoError(t, err)

	proc, err := l.Launch(context.Background())
	require.NoError(t, err)
	defer proc.Kill()

	out, err := io.ReadAll(proc.Stdout)
	require.NoError(t, err)
	<-proc.Done()

	got := string(out)
	assert.NotContains(t, got, "ghp_secret123")
	assert.NotContains(t, got, "sk-test")
	assert.Contains(t, got, "token=\n")
	assert.Contains(t, got, "extra=1\n")
	assert.NotContains(t, got, "path=\n")
}
