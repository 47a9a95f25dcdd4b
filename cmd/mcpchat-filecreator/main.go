// Command mcpchat-filecreator is the file creation tool server. It speaks
// MCP on stdin/stdout; logs go to stderr.
package main

import (
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"mcpchat/internal/toolserver"
)

var version = "0.1.0"

func main() {
	var root string
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cmd := &cobra.Command{
		Use:          "mcpchat-filecreator",
		Short:        "MCP tool server that creates files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Info("file creator ready", "root", root)
			return server.ServeStdio(toolserver.NewFileCreatorServer(toolserver.NewFileCreator(root), version))
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "restrict created files to this directory")

	if err := cmd.Execute(); err != nil {
		logger.Error("file creator stopped", "err", err)
		os.Exit(1)
	}
}
