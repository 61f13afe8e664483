package main

import (
	"github.com/spf13/cobra"
)

func buildChatCmd(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session over every configured MCP server.

Type /tools to list the tool catalog, /reset to forget the conversation and
/exit to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: random)")
	return cmd
}

func buildAskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, args)
		},
	}
}

func buildServersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Start the configured MCP servers and report their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServers(cmd, opts)
		},
	}
}

func buildToolsCmd(opts *rootOptions) *cobra.Command {
	var (
		serverID string
		schemas  bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List MCP tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, opts, serverID, schemas)
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "Only start and list this server")
	cmd.Flags().BoolVar(&schemas, "schemas", false, "Print input schemas as JSON")
	return cmd
}

func buildCallCmd(opts *rootOptions) *cobra.Command {
	var rawArgs []string
	cmd := &cobra.Command{
		Use:   "call <server.tool> [key=value...]",
		Short: "Call an MCP tool directly",
		Long: `Call an MCP tool directly. Arguments are key=value pairs; values that
parse as JSON are passed as JSON, anything else as a string. Arguments go
through the same normalizer the agent uses.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, opts, args[0], append(args[1:], rawArgs...))
		},
	}
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Tool argument (key=value)")
	return cmd
}

func buildTrendsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Work with the YouTube trends server",
		Long: `Work with the YouTube trends server. Each command repairs missing server
state (initialization, keywords, search data, calculation) once before
giving up.`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the trends server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrends(cmd, opts, trendsInit, nil)
		},
	}

	keywordsCmd := &cobra.Command{
		Use:   "keywords <keyword...>",
		Short: "Register keywords to observe",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrends(cmd, opts, trendsKeywords, &trendsArgs{keywords: args})
		},
	}

	search := &trendsArgs{}
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search recent videos for the registered keywords",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrends(cmd, opts, trendsSearch, search)
		},
	}
	searchCmd.Flags().IntVar(&search.days, "days", 7, "Look back this many days")
	searchCmd.Flags().IntVar(&search.perKeyword, "per-keyword", 10, "Videos per keyword")
	searchCmd.Flags().StringVar(&search.order, "order", "viewCount", "viewCount or date")
	searchCmd.Flags().StringVar(&search.region, "region", "", "Region code")

	calc := &trendsArgs{}
	calcCmd := &cobra.Command{
		Use:   "calc",
		Short: "Score trends from the last search",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrends(cmd, opts, trendsCalc, calc)
		},
	}
	calcCmd.Flags().IntVar(&calc.limit, "limit", 10, "Number of trends")

	details := &trendsArgs{}
	detailsCmd := &cobra.Command{
		Use:   "details <keyword>",
		Short: "Show the top videos for a keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			details.keywords = args
			return runTrends(cmd, opts, trendsDetails, details)
		},
	}
	detailsCmd.Flags().IntVar(&details.limit, "top", 10, "Number of videos")
	detailsCmd.Flags().StringVar(&details.region, "region", "", "Region code")

	exportCmd := &cobra.Command{
		Use:   "export [path]",
		Short: "Export the last calculation as CSV",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			export := &trendsArgs{}
			if len(args) == 1 {
				export.path = args[0]
			}
			return runTrends(cmd, opts, trendsExport, export)
		},
	}

	cmd.AddCommand(initCmd, keywordsCmd, searchCmd, calcCmd, detailsCmd, exportCmd)
	return cmd
}

func buildConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON Schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("mcpmux " + versionString())
		},
	}
}
