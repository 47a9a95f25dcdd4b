package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"mcpchat/internal/config"
)

// Process is a running tool server and its stdio pipes.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.ReadCloser

	kill     func() error
	done     chan struct{}
	exitOnce sync.Once
	err      error
	stopping atomic.Bool
}

// NewProcess wraps already-connected pipes. kill must make the server
// exit; whoever owns the server calls Exit once it has.
func NewProcess(stdin io.WriteCloser, stdout io.Reader, stderr io.ReadCloser, kill func() error) *Process {
	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		kill:   kill,
		done:   make(chan struct{}),
	}
}

// Exit marks the process as finished with err.
func (p *Process) Exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error. Only meaningful after Done is closed.
func (p *Process) Err() error { return p.err }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) Kill() error {
	p.stopping.Store(true)
	if p.kill == nil {
		return nil
	}
	return p.kill()
}

// Launcher starts one tool server process.
type Launcher interface {
	Launch(ctx context.Context) (*Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (*Process, error)

func (f LauncherFunc) Launch(ctx context.Context) (*Process, error) { return f(ctx) }

// execLauncher spawns an executable with stdio pipes.
type execLauncher struct {
	path string
	args []string
	dir  string
	env  []string
}

func (l *execLauncher) Launch(ctx context.Context) (*Process, error) {
	// exec.Command, not CommandContext: the server outlives the start context.
	cmd := exec.Command(l.path, l.args...)
	cmd.Dir = l.dir
	cmd.Env = l.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// os.Pipe instead of StdoutPipe so Wait does not close our read ends
	// while the protocol reader is still draining them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, err
	}
	outW.Close()
	errW.Close()

	p := NewProcess(stdin, outR, errR, func() error {
		if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return err
		}
		return nil
	})
	go func() {
		p.Exit(cmd.Wait())
	}()
	return p, nil
}

// NewLauncher builds the launcher for a configured server. Direct servers
// are exec'd as is; container servers are wrapped in `docker run -i --rm`.
func NewLauncher(entry config.MCPServerEntry, logger *slog.Logger) (Launcher, error) {
	switch entry.Transport {
	case config.TransportStdio:
		return &execLauncher{
			path: entry.Command,
			args: entry.Args,
			dir:  entry.Dir,
			env:  mergeEnv(directEnv(os.Environ(), entry), entry.Env),
		}, nil
	case config.TransportContainer:
		for _, name := range entry.PassEnv {
			if _, ok := os.LookupEnv(name); !ok {
				logger.Warn("forwarded variable is not set", "server", entry.Name, "var", name)
			}
		}
		return &execLauncher{
			path: dockerBinary(),
			args: containerArgs(entry),
			dir:  entry.Dir,
			env:  mergeEnv(os.Environ(), entry.Env),
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", entry.Transport)
	}
}

// containerArgs builds the docker argv. Variables are declared by name
// only so their values never appear on a command line.
func containerArgs(entry config.MCPServerEntry) []string {
	args := []string{"run", "-i", "--rm"}
	for _, name := range forwardedNames(entry) {
		args = append(args, "-e", name)
	}
	args = append(args, entry.Image)
	return append(args, entry.Args...)
}

func forwardedNames(entry config.MCPServerEntry) []string {
	seen := make(map[string]bool)
	var names []string
	for k := range entry.Env {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	for _, k := range entry.PassEnv {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[name]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// inheritedNames are the variables a direct server gets from our own
// environment unless its entry sets InheritEnv.
var inheritedNames = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM",
	"LANG", "LC_ALL", "TMPDIR", "TZ",
}

// directEnv filters base down to inheritedNames plus the entry's own
// PassEnv names. Credentials loaded from .env stay with us.
func directEnv(base []string, entry config.MCPServerEntry) []string {
	if entry.InheritEnv {
		return base
	}
	allowed := make(map[string]bool, len(inheritedNames)+len(entry.PassEnv))
	for _, name := range inheritedNames {
		allowed[name] = true
	}
	for _, name := range entry.PassEnv {
		allowed[name] = true
	}
	env := make([]string, 0, len(allowed))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if allowed[name] {
			env = append(env, kv)
		}
	}
	return env
}

func dockerBinary() string {
	if p := os.Getenv("MCPCHAT_DOCKER"); p != "" {
		return p
	}
	return "docker"
}
