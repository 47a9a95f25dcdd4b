package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"mcpchat/internal/audit"
	"mcpchat/internal/config"
	"mcpchat/internal/provider"
	"mcpchat/internal/transport"
)

// checkResult tallies doctor output.
type checkResult struct {
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
	r.passed++
}

func (r *checkResult) warn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
	r.warned++
}

func (r *checkResult) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your mcpchat installation",
		Long: `Verifies that the configuration, reasoning backend, audit database,
tool server commands and Docker are correctly set up. With --probe, also
starts every tool server and lists its tools.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("mcpchat doctor v%s\n\n", version)
			var r checkResult

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, _, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return summarize(r)
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			checkBackend(ctx, cfg, &r)
			checkAudit(cfg, &r)
			checkPort(cfg, &r)
			checkLogFile(cfg, &r)
			checkServers(ctx, cfg, &r)

			if probe {
				registry := buildRegistry(ctx, cfg, nil)
				for _, s := range registry.Servers() {
					if s.Running {
						r.pass("Probe: "+s.Name, fmt.Sprintf("%d tools", s.Tools))
					} else {
						r.fail("Probe: "+s.Name, s.Error)
					}
				}
				for _, c := range registry.Collisions() {
					r.warn("Tool collision", fmt.Sprintf("%s: %s replaced by %s", c.Tool, c.Loser, c.Winner))
				}
				registry.Close()
			}
			return summarize(r)
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "start each tool server and list its tools")
	return cmd
}

func summarize(r checkResult) error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned == 0 {
		fmt.Println("All checks passed. Run 'mcpchat serve' to start.")
	}
	return nil
}

func checkBackend(ctx context.Context, cfg *config.Config, r *checkResult) {
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIKey == "" && pc.Kind != "ollama" {
			r.warn("Provider: "+name, "enabled but no API key (check the referenced variable)")
		}
	}
	factory := provider.NewFactory(cfg, logger)
	defer factory.Close()
	b, err := factory.Default(ctx)
	if err != nil {
		r.fail("Reasoning backend", err.Error())
		return
	}
	r.pass("Reasoning backend", b.Name())
}

func checkAudit(cfg *config.Config, r *checkResult) {
	if !cfg.Audit.Enabled {
		r.warn("Audit log", "disabled")
		return
	}
	store, err := audit.Open(cfg.Audit.DBPath, logger)
	if err != nil {
		r.fail("Audit log", err.Error())
		return
	}
	store.Close()
	r.pass("Audit log", cfg.Audit.DBPath)
}

func checkPort(cfg *config.Config, r *checkResult) {
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.warn("Web port", fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	r.pass("Web port", addr+" available")
}

func checkLogFile(cfg *config.Config, r *checkResult) {
	if cfg.General.LogFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
		r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		return
	}
	r.pass("Log file", cfg.General.LogFile)
}

// checkServers verifies each tool server can be launched: the command is
// on PATH, or Docker answers and the image is present. Forwarded
// variables are reported by name only.
func checkServers(ctx context.Context, cfg *config.Config, r *checkResult) {
	dockerChecked := false
	for _, entry := range cfg.MCP.Servers {
		check := "Server: " + entry.Name
		if entry.Disabled {
			r.warn(check, "disabled")
			continue
		}
		switch entry.Transport {
		case config.TransportStdio:
			path, err := exec.LookPath(entry.Command)
			if err != nil {
				r.fail(check, fmt.Sprintf("command %q not found", entry.Command))
				continue
			}
			r.pass(check, path)
		case config.TransportContainer:
			if !dockerChecked {
				dockerChecked = true
				if v, err := transport.DockerVersion(ctx); err != nil {
					r.fail("Docker", err.Error())
				} else {
					r.pass("Docker", "daemon "+v)
				}
			}
			if err := transport.DockerPreflight(entry.Image)(ctx); err != nil {
				r.fail(check, err.Error())
				continue
			}
			r.pass(check, "image "+entry.Image)
			for _, name := range entry.PassEnv {
				if _, ok := os.LookupEnv(name); !ok {
					r.warn(check, name+" is not set")
				}
			}
		default:
			r.fail(check, fmt.Sprintf("unknown transport %q", entry.Transport))
		}
	}
}
