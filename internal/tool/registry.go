// Package tool aggregates the tools advertised by every configured tool
// server into one name-addressed catalog and routes calls to their owners.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/xeipuuv/gojsonschema"

	"mcpchat/internal/domain"
	"mcpchat/internal/metrics"
)

// Server is one tool server connection. *transport.Transport implements it.
type Server interface {
	Name() string
	Start(ctx context.Context) error
	Running() bool
	ListTools(ctx context.Context) ([]domain.ToolDescriptor, error)
	Invoke(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error)
	Stop() error
}

// Entry is a catalog slot: a tool and the server that owns it.
type Entry struct {
	Descriptor domain.ToolDescriptor
	Server     Server
	schema     *gojsonschema.Schema
}

// Collision records a tool name advertised by more than one server. The
// later server in configuration order wins.
type Collision struct {
	Tool   string `json:"tool"`
	Loser  string `json:"loser"`
	Winner string `json:"winner"`
}

// ServerStatus summarizes one configured server for status output.
type ServerStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Tools   int    `json:"tools"`
	Error   string `json:"error,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	Audit  domain.AuditRecorder // optional
}

// Registry is built once from all servers and is read-only afterwards,
// except for Restart, which replaces one server's entries.
type Registry struct {
	mu         sync.RWMutex
	servers    []Server // configuration order
	listed     map[string][]domain.ToolDescriptor
	failures   map[string]error
	entries    map[string]*Entry
	collisions []Collision

	logger *slog.Logger
	audit  domain.AuditRecorder
}

var _ domain.ToolDispatcher = (*Registry)(nil)

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		listed:   make(map[string][]domain.ToolDescriptor),
		failures: make(map[string]error),
		entries:  make(map[string]*Entry),
		logger:   opts.Logger,
		audit:    opts.Audit,
	}
}

// Build starts every server and lists its tools, all concurrently, then
// merges the catalogs in configuration order. A server that fails is
// stopped and left out; the rest still serve.
func (r *Registry) Build(ctx context.Context, servers []Server) {
	type outcome struct {
		tools []domain.ToolDescriptor
		err   error
	}
	outcomes := make([]outcome, len(servers))

	p := pool.New()
	for i, s := range servers {
		p.Go(func() {
			tools, err := r.load(ctx, s)
			outcomes[i] = outcome{tools, err}
		})
	}
	p.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = servers
	for i, s := range servers {
		if err := outcomes[i].err; err != nil {
			r.failures[s.Name()] = err
			r.logger.Error("tool server unavailable, its tools are excluded", "server", s.Name(), "err", err)
			continue
		}
		r.listed[s.Name()] = outcomes[i].tools
		r.logger.Info("tool server registered", "server", s.Name(), "tools", len(outcomes[i].tools))
	}
	r.rebuild()
}

func (r *Registry) load(ctx context.Context, s Server) ([]domain.ToolDescriptor, error) {
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	tools, err := s.ListTools(ctx)
	if err != nil {
		s.Stop()
		return nil, err
	}
	return tools, nil
}

// rebuild recomputes the catalog from the listed tools. Callers hold mu.
func (r *Registry) rebuild() {
	entries := make(map[string]*Entry)
	var collisions []Collision
	for _, s := range r.servers {
		for _, d := range r.listed[s.Name()] {
			if prev, ok := entries[d.Name]; ok {
				c := Collision{Tool: d.Name, Loser: prev.Server.Name(), Winner: s.Name()}
				collisions = append(collisions, c)
				r.logger.Warn("tool name collision, later server wins",
					"tool", c.Tool, "replaced", c.Loser, "by", c.Winner)
			}
			entries[d.Name] = &Entry{Descriptor: d, Server: s, schema: r.compile(s.Name(), d)}
		}
	}
	r.entries = entries
	r.collisions = collisions
	metrics.RegisteredTools.Set(int64(len(entries)))
}

// compile prepares a tool's argument schema. A schema gojsonschema cannot
// read is logged and skipped, leaving validation to the server.
func (r *Registry) compile(server string, d domain.ToolDescriptor) *gojsonschema.Schema {
	if len(d.Parameters) == 0 {
		return nil
	}
	doc := make(map[string]any, len(d.Parameters))
	for k, v := range d.Parameters {
		if k == "$schema" {
			continue
		}
		doc[k] = v
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		r.logger.Warn("tool schema not usable for validation", "server", server, "tool", d.Name, "err", err)
		return nil
	}
	return schema
}

// Resolve returns the entry for name.
func (r *Registry) Resolve(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	return e, nil
}

// Dispatch runs a tool call. It never fails: an unknown tool, invalid
// arguments or a dead server all come back as an error result.
func (r *Registry) Dispatch(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	start := time.Now()
	server := ""
	res := r.dispatch(ctx, call, &server)
	elapsed := time.Since(start)

	metrics.ToolDispatches.Inc()
	metrics.ToolLatency.Observe(elapsed.Seconds())
	if res.IsError() {
		metrics.ToolErrors.Inc()
	}
	r.record(ctx, call, server, res, elapsed)
	return res
}

func (r *Registry) dispatch(ctx context.Context, call domain.ToolCall, server *string) domain.ToolResult {
	entry, err := r.Resolve(call.Name)
	if err != nil {
		return domain.Failed(fmt.Errorf("%w (available: %s)", err, strings.Join(r.Names(), ", ")))
	}
	*server = entry.Server.Name()

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(entry.schema, args); err != nil {
		return domain.Failed(fmt.Errorf("invalid arguments for %s: %w", call.Name, err))
	}

	r.logger.Debug("dispatching tool", "tool", call.Name, "server", *server)
	res, err := entry.Server.Invoke(ctx, call.Name, args)
	if err != nil {
		if errors.Is(err, domain.ErrTransportIO) {
			r.logger.Error("tool server lost, stopping it", "server", *server, "err", err)
			entry.Server.Stop()
		}
		return domain.Failed(err)
	}
	return res
}

func validate(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

func (r *Registry) record(ctx context.Context, call domain.ToolCall, server string, res domain.ToolResult, elapsed time.Duration) {
	if r.audit == nil {
		return
	}
	entry := domain.AuditEntry{
		SessionID: domain.SessionID(ctx),
		ToolName:  call.Name,
		Server:    server,
		Status:    res.Status,
		Duration:  elapsed,
		Error:     res.Error,
		CreatedAt: time.Now(),
	}
	// The turn may already be cancelled; the record is still wanted.
	if err := r.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("audit record failed", "tool", call.Name, "err", err)
	}
}

// Definitions returns the catalog sorted by tool name.
func (r *Registry) Definitions() []domain.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.Descriptor)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Collisions returns the name collisions found by the last rebuild.
func (r *Registry) Collisions() []Collision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Collision(nil), r.collisions...)
}

// Servers reports every configured server in configuration order.
func (r *Registry) Servers() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerStatus, 0, len(r.servers))
	for _, s := range r.servers {
		st := ServerStatus{Name: s.Name(), Running: s.Running(), Tools: len(r.listed[s.Name()])}
		if err := r.failures[s.Name()]; err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Restart stops a server, starts it again and replaces its entries. On
// failure the server's tools leave the catalog.
func (r *Registry) Restart(ctx context.Context, name string) error {
	r.mu.RLock()
	var target Server
	for _, s := range r.servers {
		if s.Name() == name {
			target = s
			break
		}
	}
	r.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("unknown tool server %q", name)
	}

	target.Stop()
	tools, err := r.load(ctx, target)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.listed, name)
		r.failures[name] = err
		r.rebuild()
		return err
	}
	delete(r.failures, name)
	r.listed[name] = tools
	r.rebuild()
	r.logger.Info("tool server restarted", "server", name, "tools", len(tools))
	return nil
}

// Close stops every server.
func (r *Registry) Close() error {
	r.mu.RLock()
	servers := append([]Server(nil), r.servers...)
	r.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	p := pool.New()
	for _, s := range servers {
		p.Go(func() {
			if err := s.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return errors.Join(errs...)
}

// DescribeArgs renders call arguments for logs and CLI output.
func DescribeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(b)
}
