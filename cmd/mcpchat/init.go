package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mcpchat/internal/config"
)

// backendChoice describes a backend offered by the interactive setup.
// Secrets are referenced as ${VAR} so the file never holds a key.
type backendChoice struct {
	Name   string
	Desc   string
	KeyVar string
}

var backendChoices = []backendChoice{
	{Name: "azure", Desc: "Azure OpenAI deployment", KeyVar: "AZURE_API_KEY"},
	{Name: "openai", Desc: "OpenAI or any compatible endpoint", KeyVar: "OPENAI_API_KEY"},
	{Name: "gemini", Desc: "Google Gemini", KeyVar: "GEMINI_API_KEY"},
	{Name: "anthropic", Desc: "Anthropic Claude", KeyVar: "ANTHROPIC_API_KEY"},
	{Name: "ollama", Desc: "local Ollama server"},
}

func initCmd() *cobra.Command {
	var interactive, force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Writes the default configuration (azure backend, terminal, file_creator and github tool servers). With --interactive, asks which backend to use first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := config.Defaults()
			if interactive {
				if err := chooseBackend(cfg, bufio.NewReader(os.Stdin)); err != nil {
					return err
				}
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("Config saved to %s\n", cfgPath)
			fmt.Println("Next: set the referenced variables (or put them in .env), then run 'mcpchat doctor' and 'mcpchat serve'.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "choose the reasoning backend interactively")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// chooseBackend enables one backend and makes it the default. Values are
// left as ${VAR} references, expanded at load time.
func chooseBackend(cfg *config.Config, reader *bufio.Reader) error {
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Printf(" [%s]: ", def)
		} else {
			fmt.Print(": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		if s := strings.TrimSpace(line); s != "" {
			return s, nil
		}
		return def, nil
	}

	fmt.Println("Reasoning backend:")
	for i, b := range backendChoices {
		fmt.Printf("  %d) %-10s %s", i+1, b.Name, b.Desc)
		if b.KeyVar != "" {
			fmt.Printf(" (key from $%s)", b.KeyVar)
		}
		fmt.Println()
	}
	fmt.Printf("Choose (1-%d)", len(backendChoices))
	choice, err := prompt("1")
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(backendChoices) {
		idx = 1
	}
	b := backendChoices[idx-1]

	pc, ok := cfg.Providers[b.Name]
	if !ok {
		pc = config.ProviderConfig{Kind: b.Name}
	}
	pc.Enabled = true
	if b.KeyVar != "" && pc.APIKey == "" {
		pc.APIKey = "${" + b.KeyVar + "}"
	}
	switch b.Name {
	case "openai":
		fmt.Print("API base URL")
		base, err := prompt("https://api.openai.com/v1")
		if err != nil {
			return err
		}
		pc.APIBase = base
		fmt.Print("Model")
		if pc.DefaultModel, err = prompt("gpt-4o-mini"); err != nil {
			return err
		}
	case "ollama":
		fmt.Print("Model")
		if pc.DefaultModel, err = prompt(pc.DefaultModel); err != nil {
			return err
		}
	}

	for name, other := range cfg.Providers {
		if name != b.Name {
			other.Enabled = false
			cfg.Providers[name] = other
		}
	}
	cfg.Providers[b.Name] = pc
	cfg.General.DefaultProvider = b.Name
	fmt.Printf("  Using backend: %s\n", b.Name)
	return nil
}
