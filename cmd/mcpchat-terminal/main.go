// Command mcpchat-terminal is the terminal tool server. It speaks MCP on
// stdin/stdout; logs go to stderr.
package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"mcpchat/internal/toolserver"
)

var version = "0.1.0"

func main() {
	var (
		workDir        string
		timeoutSeconds int
		maxOutput      int
	)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "mcpchat-terminal",
		Short:        "MCP tool server that runs shell commands",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			term := toolserver.NewTerminal(toolserver.TerminalConfig{
				WorkingDir:     workDir,
				Timeout:        time.Duration(timeoutSeconds) * time.Second,
				MaxOutputBytes: maxOutput,
			})
			logger.Info("terminal server ready", "dir", workDir, "timeout_s", timeoutSeconds)
			return server.ServeStdio(toolserver.NewTerminalServer(term, version))
		},
	}
	root.Flags().StringVar(&workDir, "dir", "", "working directory for commands (default: current)")
	root.Flags().IntVar(&timeoutSeconds, "timeout", 30, "per-command timeout in seconds")
	root.Flags().IntVar(&maxOutput, "max-output", 65536, "max bytes kept per output stream")

	if err := root.Execute(); err != nil {
		logger.Error("terminal server stopped", "err", err)
		os.Exit(1)
	}
}
