package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mcpchat/internal/agent"
	"mcpchat/internal/audit"
	"mcpchat/internal/channel"
	"mcpchat/internal/config"
	"mcpchat/internal/domain"
	"mcpchat/internal/provider"
	"mcpchat/internal/tool"
	"mcpchat/internal/transport"
)

// app is everything a chat turn needs, wired from config.
type app struct {
	audit    *audit.Store
	registry *tool.Registry
	backends *provider.Factory
	loop     *agent.Loop
	sessions *agent.SessionManager
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	var recorder domain.AuditRecorder
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.DBPath, logger)
		if err != nil {
			logger.Warn("audit log unavailable, continuing without it", "path", cfg.Audit.DBPath, "err", err)
		} else {
			a.audit = store
			recorder = store
		}
	}

	a.registry = buildRegistry(ctx, cfg, recorder)

	a.backends = provider.NewFactory(cfg, logger)
	backend, err := a.backends.Default(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("reasoning backend: %w", err)
	}

	g := cfg.General
	a.loop = agent.NewLoop(agent.LoopConfig{
		Backend:          backend,
		Tools:            a.registry,
		Filter:           agent.NewToolFilter(g.AllowedTools, g.DeniedTools),
		Logger:           logger,
		SystemPrompt:     g.SystemPrompt,
		MaxIterations:    g.MaxIterations,
		MaxParallelTools: g.MaxParallelTools,
		TurnTimeout:      time.Duration(g.TurnTimeoutSeconds) * time.Second,
		CancelGrace:      time.Duration(g.CancelGraceSeconds) * time.Second,
		HistoryLimit:     g.HistoryLimit,
		TextToolCalls:    textToolCalls(cfg),
	})
	a.sessions = agent.NewSessionManager(logger)

	logger.Info("ready",
		"backend", backend.Name(),
		"tools", a.registry.Len(),
		"servers", len(a.registry.Servers()),
	)
	return a, nil
}

// textToolCalls reports whether a backend the loop may use asks for
// text tool-call parsing.
func textToolCalls(cfg *config.Config) bool {
	names := cfg.General.FailoverChain
	if len(names) == 0 {
		names = []string{cfg.General.DefaultProvider}
	}
	for _, name := range names {
		if pc, ok := cfg.Providers[name]; ok && pc.Enabled && pc.TextToolCalls {
			return true
		}
	}
	return false
}

// buildRegistry starts every enabled tool server and merges their
// catalogs. Servers that fail to start are logged and left out.
func buildRegistry(ctx context.Context, cfg *config.Config, recorder domain.AuditRecorder) *tool.Registry {
	handshake := time.Duration(cfg.MCP.HandshakeTimeoutSeconds) * time.Second
	var servers []tool.Server
	for _, entry := range cfg.MCP.Servers {
		if entry.Disabled {
			logger.Info("tool server disabled", "server", entry.Name)
			continue
		}
		t, err := transport.FromEntry(entry, handshake, logger)
		if err != nil {
			logger.Error("tool server misconfigured", "server", entry.Name, "err", err)
			continue
		}
		servers = append(servers, t)
	}
	registry := tool.NewRegistry(tool.Options{Logger: logger, Audit: recorder})
	registry.Build(ctx, servers)
	return registry
}

func (a *app) Close() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			logger.Warn("stopping tool servers", "err", err)
		}
	}
	if a.backends != nil {
		a.backends.Close()
	}
	if a.audit != nil {
		a.audit.Close()
	}
}

func serveCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start tool servers and the chat endpoint",
		Long:  "Starts every configured tool server, builds the tool catalog and serves POST /chat until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Web.Host = host
			}
			if port != 0 {
				cfg.Web.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			metricsPath := ""
			if cfg.Metrics.Enabled {
				metricsPath = cfg.Metrics.Endpoint
			}
			web := channel.NewWeb(channel.WebConfig{
				Host:           cfg.Web.Host,
				Port:           cfg.Web.Port,
				MaxUploadBytes: cfg.Web.MaxUploadBytes,
				Version:        version,
				BackendName:    a.loop.Backend().Name(),
				Logger:         logger,
				Agent:          a.loop,
				Sessions:       a.sessions,
				Tools:          a.registry,
				MetricsPath:    metricsPath,
				Config:         cfg,
			})
			err = web.Start(ctx)
			logger.Info("shutting down")
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides web.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides web.port)")
	return cmd
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [message]",
		Short: "Run a single chat turn and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			user := domain.Turn{Role: domain.RoleUser, Content: strings.Join(args, " "), CreatedAt: time.Now()}
			reply, err := a.loop.RunTurn(ctx, a.sessions.GetOrCreate(""), user)
			if err != nil {
				fmt.Fprintln(os.Stderr, a.loop.UserMessage(err))
				return err
			}
			fmt.Println(reply.Content)
			return nil
		},
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Start the tool servers and list the merged catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := buildRegistry(ctx, cfg, nil)
			defer registry.Close()

			fmt.Println("Servers:")
			for _, s := range registry.Servers() {
				state := "running"
				if !s.Running {
					state = "down"
				}
				line := fmt.Sprintf("  %-16s %-8s %d tools", s.Name, state, s.Tools)
				if s.Error != "" {
					line += "  (" + s.Error + ")"
				}
				fmt.Println(line)
			}

			filter := agent.NewToolFilter(cfg.General.AllowedTools, cfg.General.DeniedTools)
			fmt.Println("\nTools:")
			for _, d := range registry.Definitions() {
				entry, err := registry.Resolve(d.Name)
				if err != nil {
					continue
				}
				mark := ""
				if !filter.Allows(d.Name) {
					mark = " [filtered]"
				}
				fmt.Printf("  %-28s %-14s %s%s\n", d.Name, entry.Server.Name(), firstLine(d.Description), mark)
			}

			if collisions := registry.Collisions(); len(collisions) > 0 {
				fmt.Println("\nCollisions:")
				for _, c := range collisions {
					fmt.Printf("  %s: %s replaced by %s\n", c.Tool, c.Loser, c.Winner)
				}
			}
			if registry.Len() == 0 {
				return errors.New("no tools available")
			}
			return nil
		},
	}
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
