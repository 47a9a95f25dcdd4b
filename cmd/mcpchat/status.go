package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"mcpchat/internal/audit"
	"mcpchat/internal/tool"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running server",
		Long:  "Queries GET /status on the configured web host and port.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://%s:%d/status", cfg.Web.Host, cfg.Web.Port)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("server not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()

			var st struct {
				Status   string              `json:"status"`
				Version  string              `json:"version"`
				Backend  string              `json:"backend"`
				Uptime   string              `json:"uptime"`
				Tools    int                 `json:"tools"`
				Servers  []tool.ServerStatus `json:"servers"`
				Sessions int                 `json:"sessions"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			fmt.Printf("Status:   %s (v%s, up %s)\n", st.Status, st.Version, st.Uptime)
			fmt.Printf("Backend:  %s\n", st.Backend)
			fmt.Printf("Tools:    %d\n", st.Tools)
			fmt.Printf("Sessions: %d\n", st.Sessions)
			for _, s := range st.Servers {
				state := "running"
				if !s.Running {
					state = "down"
				}
				fmt.Printf("  %-16s %-8s %d tools %s\n", s.Name, state, s.Tools, s.Error)
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	var stats bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent tool dispatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Audit.DBPath); err != nil {
				return fmt.Errorf("no audit log at %s", cfg.Audit.DBPath)
			}
			store, err := audit.Open(cfg.Audit.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := context.Background()

			if stats {
				counts, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(counts))
				for name := range counts {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Printf("%-28s %8s %8s\n", "TOOL", "CALLS", "FAILED")
				for _, name := range names {
					fmt.Printf("%-28s %8d %8d\n", name, counts[name][0], counts[name][1])
				}
				return nil
			}

			entries, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No tool dispatches recorded.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %-8s %-24s %-14s %6dms  %s",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Status, e.ToolName, e.Server, e.Duration.Milliseconds(), shortID(e.SessionID))
				if e.Error != "" {
					fmt.Printf("  %s", e.Error)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVar(&stats, "stats", false, "show per-tool totals instead")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
