// Package toolserver implements the tool servers shipped with mcpchat.
// Each one is an MCP server meant to run as its own process over stdio.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultMaxOutputBytes = 65536
	// killGrace bounds how long Wait lingers on pipes held open by
	// grandchildren after the shell itself was killed.
	killGrace = time.Second
)

// CommandResult is the JSON returned by run_terminal_command. Empty
// output is reported as null.
type CommandResult struct {
	Stdout     *string `json:"stdout"`
	Stderr     *string `json:"stderr"`
	ReturnCode int     `json:"return_code"`
}

type TerminalConfig struct {
	WorkingDir     string
	Timeout        time.Duration
	MaxOutputBytes int
}

// Terminal runs shell commands with a wall-clock timeout and nothing
// else: no sandbox, no allow list.
type Terminal struct {
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
}

func NewTerminal(cfg TerminalConfig) *Terminal {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCommandTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Terminal{
		workingDir:     cfg.WorkingDir,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

func (t *Terminal) Tool() mcp.Tool {
	return mcp.NewTool("run_terminal_command",
		mcp.WithDescription("Execute a terminal command and return its output"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command to execute"),
		),
	)
}

// Handle is the MCP handler. The command outcome, including a timeout,
// is always a successful tool result carrying CommandResult JSON.
func (t *Terminal) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := t.Run(ctx, command)
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Run executes command with sh -c.
func (t *Terminal) Run(ctx context.Context, command string) CommandResult {
	command = strings.TrimSpace(command)
	if command == "" {
		return failure("Error executing command: empty command")
	}

	dir := t.workingDir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// sh -c handles pipes, redirects and quoting.
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = absDir
	cmd.WaitDelay = killGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure(timeoutMessage(t.timeout))
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return failure("Error executing command: " + err.Error())
		}
		code = exitErr.ExitCode()
	}
	return CommandResult{
		Stdout:     t.output(stdout.String()),
		Stderr:     t.output(stderr.String()),
		ReturnCode: code,
	}
}

func (t *Terminal) output(s string) *string {
	if s == "" {
		return nil
	}
	if len(s) > t.maxOutputBytes {
		s = s[:t.maxOutputBytes] + "\n... (output truncated)"
	}
	return &s
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("Command timed out after %d seconds", int(d.Round(time.Second)/time.Second))
}

func failure(msg string) CommandResult {
	return CommandResult{Stderr: &msg, ReturnCode: -1}
}

// NewTerminalServer wraps t in an MCP server.
func NewTerminalServer(t *Terminal, version string) *server.MCPServer {
	s := server.NewMCPServer("Terminal Server", version, server.WithToolCapabilities(false))
	s.AddTool(t.Tool(), t.Handle)
	return s
}
