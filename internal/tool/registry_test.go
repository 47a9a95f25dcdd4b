package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer is an in-process Server with an optional startup delay.
type fakeServer struct {
	name     string
	delay    time.Duration
	tools    []domain.ToolDescriptor
	startErr error
	invokeFn func(name string, args map[string]any) (domain.ToolResult, error)

	running atomic.Bool
	starts  atomic.Int32
	stops   atomic.Int32
}

func (f *fakeServer) Name() string  { return f.name }
func (f *fakeServer) Running() bool { return f.running.Load() }

func (f *fakeServer) Start(ctx context.Context) error {
	f.starts.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.startErr != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrTransportStart, f.name, f.startErr)
	}
	f.running.Store(true)
	return nil
}

func (f *fakeServer) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeServer) Invoke(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	if !f.running.Load() {
		return domain.ToolResult{}, fmt.Errorf("%w: %s is not running", domain.ErrTransportIO, f.name)
	}
	if f.invokeFn != nil {
		return f.invokeFn(name, args)
	}
	return domain.OK(f.name + ":" + name), nil
}

func (f *fakeServer) Stop() error {
	f.stops.Add(1)
	f.running.Store(false)
	return nil
}

func desc(name string) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:       name,
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Record(ctx context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestBuild_BoundedBySlowestServer(t *testing.T) {
	servers := []Server{
		&fakeServer{name: "a", delay: 300 * time.Millisecond, tools: []domain.ToolDescriptor{desc("a1")}},
		&fakeServer{name: "b", delay: 300 * time.Millisecond, tools: []domain.ToolDescriptor{desc("b1")}},
		&fakeServer{name: "c", delay: 300 * time.Millisecond, tools: []domain.ToolDescriptor{desc("c1")}},
		&fakeServer{name: "d", delay: 50 * time.Millisecond, tools: []domain.ToolDescriptor{desc("d1")}},
	}
	reg := NewRegistry(Options{Logger: testLogger()})

	start := time.Now()
	reg.Build(context.Background(), servers)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 800*time.Millisecond, "build took the sum of delays, not the max")
	assert.Equal(t, []string{"a1", "b1", "c1", "d1"}, reg.Names())
}

func TestBuild_CollisionLaterServerWins(t *testing.T) {
	first := &fakeServer{name: "first", tools: []domain.ToolDescriptor{desc("run"), desc("only_first")}}
	second := &fakeServer{name: "second", tools: []domain.ToolDescriptor{desc("run")}}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{first, second})

	entry, err := reg.Resolve("run")
	require.NoError(t, err)
	assert.Equal(t, "second", entry.Server.Name())
	assert.Equal(t, []Collision{{Tool: "run", Loser: "first", Winner: "second"}}, reg.Collisions())

	res := reg.Dispatch(context.Background(), domain.ToolCall{Name: "run"})
	assert.Equal(t, domain.OK("second:run"), res)
}

func TestBuild_CollisionOrderIsConfigOrderNotFinishOrder(t *testing.T) {
	// The first server finishes last; configuration order still decides.
	first := &fakeServer{name: "first", delay: 200 * time.Millisecond, tools: []domain.ToolDescriptor{desc("run")}}
	second := &fakeServer{name: "second", tools: []domain.ToolDescriptor{desc("run")}}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{first, second})

	entry, err := reg.Resolve("run")
	require.NoError(t, err)
	assert.Equal(t, "second", entry.Server.Name())
}

func TestBuild_FailedServerExcluded(t *testing.T) {
	good := &fakeServer{name: "good", tools: []domain.ToolDescriptor{desc("ok_tool")}}
	bad := &fakeServer{name: "bad", startErr: errors.New("exited"), tools: []domain.ToolDescriptor{desc("bad_tool")}}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{bad, good})

	assert.Equal(t, []string{"ok_tool"}, reg.Names())
	_, err := reg.Resolve("bad_tool")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)

	statuses := reg.Servers()
	require.Len(t, statuses, 2)
	assert.Equal(t, "bad", statuses[0].Name)
	assert.NotEmpty(t, statuses[0].Error)
	assert.True(t, statuses[1].Running)
	assert.Equal(t, 1, statuses[1].Tools)
}

func TestDispatch_UnknownToolIsResult(t *testing.T) {
	audit := &memAudit{}
	reg := NewRegistry(Options{Logger: testLogger(), Audit: audit})
	reg.Build(context.Background(), []Server{&fakeServer{name: "s", tools: []domain.ToolDescriptor{desc("known")}}})

	ctx := domain.WithSessionID(context.Background(), "sess-1")
	res := reg.Dispatch(ctx, domain.ToolCall{Name: "missing"})
	assert.True(t, res.IsError())
	assert.Contains(t, res.Error, domain.ErrToolNotFound.Error())
	assert.Contains(t, res.Error, "known")

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "sess-1", audit.entries[0].SessionID)
	assert.Equal(t, domain.ToolStatusError, audit.entries[0].Status)
	assert.Equal(t, "", audit.entries[0].Server)
}

func TestDispatch_SchemaViolation(t *testing.T) {
	var invoked bool
	srv := &fakeServer{
		name: "files",
		tools: []domain.ToolDescriptor{{
			Name: "create_file",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"path", "content"},
			},
		}},
		invokeFn: func(string, map[string]any) (domain.ToolResult, error) {
			invoked = true
			return domain.OK("created"), nil
		},
	}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{srv})

	res := reg.Dispatch(context.Background(), domain.ToolCall{Name: "create_file", Arguments: map[string]any{"path": "x"}})
	assert.True(t, res.IsError())
	assert.Contains(t, res.Error, "invalid arguments for create_file")
	assert.False(t, invoked)

	res = reg.Dispatch(context.Background(), domain.ToolCall{Name: "create_file", Arguments: map[string]any{"path": "x", "content": "y"}})
	assert.Equal(t, domain.OK("created"), res)
}

func TestDispatch_TransportIOStopsServer(t *testing.T) {
	srv := &fakeServer{
		name:  "flaky",
		tools: []domain.ToolDescriptor{desc("t")},
		invokeFn: func(string, map[string]any) (domain.ToolResult, error) {
			return domain.ToolResult{}, fmt.Errorf("%w: flaky exited", domain.ErrTransportIO)
		},
	}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{srv})

	res := reg.Dispatch(context.Background(), domain.ToolCall{Name: "t"})
	assert.True(t, res.IsError())
	assert.Contains(t, res.Error, "flaky exited")
	assert.Equal(t, int32(1), srv.stops.Load())
	assert.False(t, srv.Running())

	srv.invokeFn = nil
	res = reg.Dispatch(context.Background(), domain.ToolCall{Name: "t"})
	assert.Contains(t, res.Error, "not running")
}

func TestDefinitions_SortedByName(t *testing.T) {
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{
		&fakeServer{name: "s1", tools: []domain.ToolDescriptor{desc("zeta"), desc("alpha")}},
		&fakeServer{name: "s2", tools: []domain.ToolDescriptor{desc("mid")}},
	})
	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)
}

func TestRestart_ReplacesEntries(t *testing.T) {
	srv := &fakeServer{name: "s", tools: []domain.ToolDescriptor{desc("old")}}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{srv})
	require.Equal(t, []string{"old"}, reg.Names())

	srv.tools = []domain.ToolDescriptor{desc("new")}
	require.NoError(t, reg.Restart(context.Background(), "s"))
	assert.Equal(t, []string{"new"}, reg.Names())
	assert.Equal(t, int32(2), srv.starts.Load())

	assert.Error(t, reg.Restart(context.Background(), "nope"))
}

func TestRestart_FailureRemovesTools(t *testing.T) {
	srv := &fakeServer{name: "s", tools: []domain.ToolDescriptor{desc("t")}}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{srv})

	srv.startErr = errors.New("image gone")
	err := reg.Restart(context.Background(), "s")
	assert.ErrorIs(t, err, domain.ErrTransportStart)
	assert.Equal(t, 0, reg.Len())
}

func TestClose_StopsAll(t *testing.T) {
	a := &fakeServer{name: "a"}
	b := &fakeServer{name: "b"}
	reg := NewRegistry(Options{Logger: testLogger()})
	reg.Build(context.Background(), []Server{a, b})
	require.NoError(t, reg.Close())
	assert.Equal(t, int32(1), a.stops.Load())
	assert.Equal(t, int32(1), b.stops.Load())
}

func TestDescribeArgs(t *testing.T) {
	assert.Equal(t, "{}", DescribeArgs(nil))
	assert.Equal(t, `{"path":"x"}`, DescribeArgs(map[string]any{"path": "x"}))
}
