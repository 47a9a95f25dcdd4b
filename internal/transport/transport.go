// Package transport talks MCP to one tool server process over its stdio
// pipes. Direct and containerized servers differ only in how the process
// is launched.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpchat/internal/config"
	"mcpchat/internal/domain"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	stopTimeout             = 5 * time.Second
	maxListPages            = 100
	clientName              = "mcpchat"
)

// Version is reported to tool servers during the handshake.
var Version = "dev"

// Transport owns one tool server process. Requests are serialized: at
// most one ListTools or Invoke is in flight per transport.
type Transport struct {
	name             string
	launcher         Launcher
	preflight        func(ctx context.Context) error
	handshakeTimeout time.Duration
	logger           *slog.Logger

	lifecycle sync.Mutex // guards client and proc
	client    *mcpclient.Client
	proc      *Process

	call sync.Mutex
}

type Config struct {
	Name             string
	Launcher         Launcher
	Preflight        func(ctx context.Context) error // optional, runs before launch
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		name:             cfg.Name,
		launcher:         cfg.Launcher,
		preflight:        cfg.Preflight,
		handshakeTimeout: cfg.HandshakeTimeout,
		logger:           cfg.Logger,
	}
}

// FromEntry builds the transport for a configured tool server.
func FromEntry(entry config.MCPServerEntry, handshakeTimeout time.Duration, logger *slog.Logger) (*Transport, error) {
	launcher, err := NewLauncher(entry, logger)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", entry.Name, err)
	}
	cfg := Config{
		Name:             entry.Name,
		Launcher:         launcher,
		HandshakeTimeout: handshakeTimeout,
		Logger:           logger,
	}
	if entry.Transport == config.TransportContainer {
		cfg.Preflight = DockerPreflight(entry.Image)
	}
	return New(cfg), nil
}

func (t *Transport) Name() string { return t.name }

// Running reports whether the server process is up.
func (t *Transport) Running() bool {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	return t.proc != nil && !t.proc.Exited()
}

// Start launches the server and performs the initialize handshake.
// Calling Start on a running transport is a no-op.
func (t *Transport) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.proc != nil && !t.proc.Exited() {
		return nil
	}
	t.client, t.proc = nil, nil

	if t.preflight != nil {
		if err := t.preflight(ctx); err != nil {
			return t.startErr(err)
		}
	}

	proc, err := t.launcher.Launch(ctx)
	if err != nil {
		return t.startErr(err)
	}
	go t.drainStderr(proc.Stderr)

	c := mcpclient.NewClient(mcptransport.NewIO(proc.Stdout, proc.Stdin, proc.Stderr))
	// The reader goroutine lives as long as the process, not the caller's ctx.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		proc.Kill()
		return t.startErr(err)
	}

	res, err := t.handshake(ctx, c, proc)
	if err != nil {
		c.Close()
		proc.Kill()
		return t.startErr(err)
	}

	t.client, t.proc = c, proc
	go t.watch(proc)

	t.logger.Info("tool server started",
		"server", t.name,
		"remote", res.ServerInfo.Name,
		"remote_version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion,
	)
	return nil
}

func (t *Transport) handshake(ctx context.Context, c *mcpclient.Client, proc *Process) (*mcp.InitializeResult, error) {
	hctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: Version}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	type initResult struct {
		res *mcp.InitializeResult
		err error
	}
	ch := make(chan initResult, 1)
	go func() {
		res, err := c.Initialize(hctx, req)
		ch <- initResult{res, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(hctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("handshake timed out after %s", t.handshakeTimeout)
			}
			return nil, fmt.Errorf("handshake: %w", r.err)
		}
		return r.res, nil
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			return nil, fmt.Errorf("process exited during handshake: %w", err)
		}
		return nil, errors.New("process exited during handshake")
	}
}

func (t *Transport) startErr(err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrTransportStart, t.name, err)
}

// session returns the live client, or ErrTransportIO when the server is
// not running.
func (t *Transport) session() (*mcpclient.Client, *Process, error) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.client == nil || t.proc == nil {
		return nil, nil, fmt.Errorf("%w: %s is not running", domain.ErrTransportIO, t.name)
	}
	if t.proc.Exited() {
		return nil, nil, t.exitErr(t.proc)
	}
	return t.client, t.proc, nil
}

// bind returns a context that is also cancelled when proc exits, so a
// request never outlives the process it was sent to.
func bind(ctx context.Context, proc *Process) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ListTools returns the tools the server advertises, following
// pagination cursors.
func (t *Transport) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	c, proc, err := t.session()
	if err != nil {
		return nil, err
	}
	t.call.Lock()
	defer t.call.Unlock()

	ctx, cancel := bind(ctx, proc)
	defer cancel()

	var (
		out    []domain.ToolDescriptor
		cursor mcp.Cursor
	)
	for page := 0; ; page++ {
		if page >= maxListPages {
			return nil, fmt.Errorf("%w: %s: more than %d pages of tools", domain.ErrTransportProtocol, t.name, maxListPages)
		}
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		res, err := c.ListTools(ctx, req)
		if err != nil {
			if proc.Exited() || isBrokenPipe(err) {
				return nil, t.exitErr(proc)
			}
			return nil, fmt.Errorf("%w: %s: tools/list: %v", domain.ErrTransportProtocol, t.name, err)
		}
		if res == nil {
			return nil, fmt.Errorf("%w: %s: empty tools/list response", domain.ErrTransportProtocol, t.name)
		}
		for _, tool := range res.Tools {
			d, err := descriptorFromTool(tool)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransportProtocol, t.name, err)
			}
			out = append(out, d)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// Invoke calls one tool. A failure reported by the server comes back as an
// error result; the returned error is reserved for transport failures.
func (t *Transport) Invoke(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	c, proc, err := t.session()
	if err != nil {
		return domain.ToolResult{}, err
	}
	t.call.Lock()
	defer t.call.Unlock()

	callCtx, cancel := bind(ctx, proc)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.CallTool(callCtx, req)
	if err != nil {
		switch {
		case proc.Exited() || isBrokenPipe(err):
			return domain.ToolResult{}, t.exitErr(proc)
		case ctx.Err() != nil:
			return domain.ToolResult{}, fmt.Errorf("%s/%s: %w", t.name, name, ctx.Err())
		}
		return domain.ToolResult{
			Status: domain.ToolStatusError,
			Error:  fmt.Sprintf("%v: %v", domain.ErrToolExecution, err),
		}, nil
	}
	return resultFromMCP(res), nil
}

// Stop terminates the server and releases its pipes. Safe to call more
// than once.
func (t *Transport) Stop() error {
	t.lifecycle.Lock()
	c, proc := t.client, t.proc
	t.client, t.proc = nil, nil
	t.lifecycle.Unlock()

	if proc == nil {
		return nil
	}
	proc.stopping.Store(true)
	if c != nil {
		c.Close()
	}
	err := proc.Kill()

	select {
	case <-proc.Done():
	case <-time.After(stopTimeout):
		t.logger.Warn("tool server did not exit after kill", "server", t.name)
	}
	t.logger.Info("tool server stopped", "server", t.name)
	return err
}

func (t *Transport) exitErr(proc *Process) error {
	if err := proc.Err(); err != nil {
		return fmt.Errorf("%w: %s exited: %v", domain.ErrTransportIO, t.name, err)
	}
	return fmt.Errorf("%w: %s exited", domain.ErrTransportIO, t.name)
}

func (t *Transport) watch(proc *Process) {
	<-proc.Done()
	if proc.stopping.Load() {
		return
	}
	t.logger.Warn("tool server exited unexpectedly", "server", t.name, "err", proc.Err())
}

// drainStderr forwards the server's stderr to the log so a chatty server
// cannot block on a full pipe.
func (t *Transport) drainStderr(r io.Reader) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		t.logger.Debug("tool server stderr", "server", t.name, "line", sc.Text())
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		strings.Contains(err.Error(), "file already closed")
}

// descriptorFromTool goes through JSON so a tool's raw input schema and
// its structured schema are read the same way.
func descriptorFromTool(tool mcp.Tool) (domain.ToolDescriptor, error) {
	data, err := json.Marshal(tool)
	if err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("encode tool %q: %w", tool.Name, err)
	}
	var wire struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("decode tool %q: %w", tool.Name, err)
	}
	if wire.Name == "" {
		return domain.ToolDescriptor{}, errors.New("tool with empty name")
	}
	if wire.InputSchema == nil {
		wire.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return domain.ToolDescriptor{
		Name:        wire.Name,
		Description: wire.Description,
		Parameters:  wire.InputSchema,
	}, nil
}

func resultFromMCP(res *mcp.CallToolResult) domain.ToolResult {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if b, err := json.Marshal(v); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return domain.ToolResult{
			Status:  domain.ToolStatusError,
			Content: text,
			Error:   domain.ErrToolExecution.Error(),
		}
	}
	return domain.OK(text)
}
