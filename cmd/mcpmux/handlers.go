package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/mcpmux/internal/chat"
	"github.com/haasonsaas/mcpmux/internal/config"
	"github.com/haasonsaas/mcpmux/internal/mcp"
)

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// newChatApp wires the pool, store, event log and chat service.
func newChatApp(ctx context.Context, opts *rootOptions) (*app, *chat.Service, error) {
	a, err := newApp(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := a.openEvents(); err != nil {
		a.close()
		return nil, nil, err
	}
	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, nil, err
	}
	if err := a.startPool(ctx); err != nil {
		a.close()
		return nil, nil, err
	}

	svc, err := chat.New(ctx, a.newModel(), a.pool,
		chat.WithEventLog(a.events),
		chat.WithLogger(a.logger),
		chat.WithMetrics(a.metrics),
		chat.WithTracer(a.tracer),
		chat.WithAgentConfig(a.agentConfig()),
	)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return a, svc, nil
}

// runChat handles the chat command.
func runChat(cmd *cobra.Command, opts *rootOptions, sessionID string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, svc, err := newChatApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	if spec := strings.TrimSpace(a.cfg.Store.PruneSchedule); spec != "" {
		scheduler := cron.New(cron.WithParser(config.CronParser))
		if _, err := scheduler.AddFunc(spec, func() { prune(ctx, a, svc) }); err != nil {
			return fmt.Errorf("schedule pruning: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return chatLoop(ctx, svc, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
}

// chatLoop reads one message per line until EOF, /exit or cancellation.
func chatLoop(ctx context.Context, svc *chat.Service, sessionID string, in io.Reader, out io.Writer) error {
	defer svc.End(sessionID)
	fmt.Fprintf(out, "mcpmux chat (session %s). /tools, /reset, /exit\n", sessionID)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			svc.Reset(sessionID)
			fmt.Fprintln(out, "(conversation reset)")
			continue
		case "/tools":
			fmt.Fprintln(out, svc.ListTools(ctx))
			continue
		}
		fmt.Fprintln(out, svc.Ask(ctx, sessionID, line))
		if ctx.Err() != nil {
			return nil
		}
	}
}

func prune(ctx context.Context, a *app, svc *chat.Service) {
	retention := a.cfg.Store.Retention
	removed, err := a.store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		a.logger.Warn("failed to prune conversations", "error", err)
		return
	}
	sessions := svc.PruneIdle(retention)
	a.logger.Info("pruned idle state", "conversations", removed, "sessions", sessions)
}

// runAsk handles the ask command.
func runAsk(cmd *cobra.Command, opts *rootOptions, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, svc, err := newChatApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	answer := svc.Ask(ctx, uuid.NewString(), strings.Join(args, " "))
	fmt.Fprintln(cmd.OutOrStdout(), answer)
	if strings.HasPrefix(answer, "ERROR: ") {
		return fmt.Errorf("%s", strings.TrimPrefix(answer, "ERROR: "))
	}
	return nil
}

// runServers handles the servers command.
func runServers(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	if len(a.cfg.Servers) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}
	if err := a.startPool(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "MCP Servers:")
	for _, status := range a.pool.Status() {
		state := "disconnected"
		if status.Connected {
			state = "connected"
		}
		fmt.Fprintf(out, "  %s [%s] - %s\n", status.ID, status.Transport, state)
		if status.Connected {
			fmt.Fprintf(out, "    Server: %s %s | Tools: %d\n", status.Server.Name, status.Server.Version, status.Tools)
		}
	}
	return nil
}

// runTools handles the tools command.
func runTools(cmd *cobra.Command, opts *rootOptions, serverID string, schemas bool) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	var only []string
	if serverID != "" {
		only = []string{serverID}
	}
	if err := a.startPool(ctx, only...); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if schemas {
		payload, err := json.MarshalIndent(a.pool.ToolSchemas(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}

	catalog, err := a.pool.ListCapabilities(ctx)
	if err != nil {
		return err
	}
	if len(catalog) == 0 {
		fmt.Fprintln(out, "No tools available.")
		return nil
	}
	fmt.Fprintln(out, chat.FormatCatalog(catalog))
	return nil
}

// runCall handles the call command.
func runCall(cmd *cobra.Command, opts *rootOptions, qualifiedName string, rawArgs []string) error {
	req, err := parseCallRequest(qualifiedName, rawArgs)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startPool(ctx, req.Server); err != nil {
		return err
	}
	res, err := a.pool.CallRequest(ctx, req)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

// printResult writes a result as indented JSON and turns failures into a
// non-zero exit.
func printResult(out io.Writer, res mcp.Result) error {
	payload, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(payload))
	if !res.OK() {
		return fmt.Errorf("tool failed: %s", res.Message())
	}
	return nil
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d servers, provider %s)\n", opts.configPath, len(cfg.Servers), cfg.LLM.DefaultProvider)
	return nil
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}
