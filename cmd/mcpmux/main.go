// Package main provides the CLI entry point for mcpmux, a multiplexer that
// lets one language model drive several MCP tool servers.
//
// # Basic Usage
//
// Interactive chat over the configured servers:
//
//	mcpmux chat --config mcpmux.yaml
//
// One-shot question:
//
//	mcpmux ask "what changed in the repo?"
//
// Direct tool call:
//
//	mcpmux call git.git_status path=/src/app
//
// # Environment Variables
//
//   - MCPMUX_CONFIG: Path to configuration file (default: mcpmux.yaml)
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - MCPMUX_LOG_LEVEL: Overrides logging.level
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/mcpmux/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	metricsAddr string
	logLevel    string
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "mcpmux",
		Short: "mcpmux - drive MCP tool servers from a language model",
		Long: `mcpmux starts a fleet of MCP servers, exposes their tools to a language
model and runs a bounded plan, act, observe loop for every message.

Supported LLM providers: OpenAI, Anthropic`,
		Version:      versionString(),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "Path to YAML or JSON5 configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(
		buildChatCmd(opts),
		buildAskCmd(opts),
		buildServersCmd(opts),
		buildToolsCmd(opts),
		buildCallCmd(opts),
		buildTrendsCmd(opts),
		buildConfigCmd(opts),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
