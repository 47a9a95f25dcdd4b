package toolserver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mcpchat/internal/domain"
	"mcpchat/internal/transport"
	"mcpchat/internal/transport/transporttest"
)

func TestFileCreator_CreatesParents(t *testing.T) {
	root := t.TempDir()
	f := NewFileCreator(root)

	written, err := f.Create("a/b/out.txt", "hello")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := filepath.Join(root, "a", "b", "out.txt")
	if written != want {
		t.Fatalf("expected %s, got %s", want, written)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestFileCreator_RejectsEscape(t *testing.T) {
	f := NewFileCreator(t.TempDir())
	if _, err := f.Create("../escape.txt", "x"); err == nil {
		t.Fatal("expected error for path outside root")
	}
}

func TestFileCreator_EmptyPath(t *testing.T) {
	if _, err := NewFileCreator("").Create("  ", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFileCreator_NoRootReportsPathAsGiven(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	written, err := NewFileCreator("").Create(path, "x")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if written != path {
		t.Fatalf("expected %s, got %s", path, written)
	}
}

func startServer(t *testing.T, name string, launcher transport.Launcher) *transport.Transport {
	t.Helper()
	tr := transport.New(transport.Config{Name: name, Launcher: launcher, HandshakeTimeout: 5 * time.Second})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func TestFileCreatorServer_OverStdio(t *testing.T) {
	root := t.TempDir()
	srv := NewFileCreatorServer(NewFileCreator(root), "test")
	tr := startServer(t, "file_creator", transporttest.Launcher(srv))

	tools, err := tr.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "create_file" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	res, err := tr.Invoke(context.Background(), "create_file", map[string]any{"path": "out.txt", "content": "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.IsError() {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if res.Content != "File created at "+filepath.Join(root, "out.txt") {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestFileCreatorServer_ErrorIsResult(t *testing.T) {
	srv := NewFileCreatorServer(NewFileCreator(t.TempDir()), "test")
	tr := startServer(t, "file_creator", transporttest.Launcher(srv))

	res, err := tr.Invoke(context.Background(), "create_file", map[string]any{"path": "../x", "content": "hello"})
	if err != nil {
		t.Fatalf("tool failure must not be a transport error: %v", err)
	}
	if !res.IsError() {
		t.Fatal("expected error result")
	}
	if !strings.HasPrefix(res.Content, "Error: ") {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.Error != domain.ErrToolExecution.Error() {
		t.Fatalf("unexpected error field %q", res.Error)
	}
}

func TestTerminalServer_TimeoutIsToolResult(t *testing.T) {
	srv := NewTerminalServer(NewTerminal(TerminalConfig{Timeout: time.Second}), "test")
	tr := startServer(t, "terminal", transporttest.Launcher(srv))

	res, err := tr.Invoke(context.Background(), "run_terminal_command", map[string]any{"command": "sleep 5"})
	if err != nil {
		if errors.Is(err, domain.ErrTransportIO) {
			t.Fatalf("timeout surfaced as transport failure: %v", err)
		}
		t.Fatalf("Invoke: %v", err)
	}
	if res.IsError() {
		t.Fatalf("expected ok result, got %+v", res)
	}
	want := `{"stdout":null,"stderr":"Command timed out after 1 seconds","return_code":-1}`
	if res.Content != want {
		t.Fatalf("expected %s, got %s", want, res.Content)
	}
}
