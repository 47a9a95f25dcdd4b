package toolserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// FileCreator writes files on behalf of the model. With a root set, paths
// are resolved against it and may not escape it.
type FileCreator struct {
	root string
}

func NewFileCreator(root string) *FileCreator {
	return &FileCreator{root: root}
}

func (f *FileCreator) Tool() mcp.Tool {
	return mcp.NewTool("create_file",
		mcp.WithDescription("Create a file at the given path and write content to it"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path of the file to create"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Content to write to the file"),
		),
	)
}

func (f *FileCreator) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("Error: " + err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("Error: " + err.Error()), nil
	}
	written, err := f.Create(path, content)
	if err != nil {
		return mcp.NewToolResultError("Error: " + err.Error()), nil
	}
	return mcp.NewToolResultText("File created at " + written), nil
}

// Create writes content to path, creating parent directories, and returns
// the path it wrote. An existing file is overwritten.
func (f *FileCreator) Create(path, content string) (string, error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if f.root == "" {
		return path, nil
	}
	return resolved, nil
}

func (f *FileCreator) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	if f.root == "" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.root, path)
	}
	resolved, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rootAbs, err := filepath.Abs(f.root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside %q", resolved, rootAbs)
	}
	return resolved, nil
}

// NewFileCreatorServer wraps f in an MCP server.
func NewFileCreatorServer(f *FileCreator, version string) *server.MCPServer {
	s := server.NewMCPServer("File Creator", version, server.WithToolCapabilities(false))
	s.AddTool(f.Tool(), f.Handle)
	return s
}
