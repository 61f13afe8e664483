package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// ClientName and ClientVersion are announced in the initialize handshake.
const (
	ClientName    = "mcpmux"
	ClientVersion = "1.0.0"
)

// Session is one live connection to one MCP server. The tool catalog is
// fetched once when the session opens and never refreshed.
type Session struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	serverInfo ServerInfo
	tools      []*MCPTool
	byName     map[string]*MCPTool
}

func newSession(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Session {
	return &Session{
		config:    cfg,
		transport: transport,
		logger:    logger.With("mcp_server", cfg.ID),
		byName:    make(map[string]*MCPTool),
	}
}

// open connects the transport, performs the handshake and loads the catalog.
// On failure the transport is closed and a *LaunchError is returned.
func (s *Session) open(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return s.launchError("connect", err)
	}

	result, err := s.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	})
	if err != nil {
		return s.abort("initialize", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return s.abort("initialize", fmt.Errorf("parse initialize result: %w", err))
	}
	s.serverInfo = initResult.ServerInfo

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return s.abort("initialize", fmt.Errorf("initialized notification: %w", err))
	}

	result, err = s.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return s.abort("list_tools", err)
	}
	var listed ListToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return s.abort("list_tools", fmt.Errorf("parse tools/list result: %w", err))
	}
	for _, tool := range listed.Tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		s.tools = append(s.tools, tool)
		s.byName[tool.Name] = tool
	}

	s.logger.Info("connected to MCP server",
		"name", s.serverInfo.Name,
		"version", s.serverInfo.Version,
		"protocol", initResult.ProtocolVersion,
		"tools", len(s.tools))
	return nil
}

func (s *Session) abort(stage string, err error) error {
	launchErr := s.launchError(stage, err)
	_ = s.transport.Close()
	return launchErr
}

func (s *Session) launchError(stage string, err error) *LaunchError {
	launchErr := &LaunchError{Server: s.config.ID, Stage: stage, Err: err}
	if tailer, ok := s.transport.(interface{ StderrTail() string }); ok {
		launchErr.Stderr = tailer.StderrTail()
	}
	return launchErr
}

// Close terminates the session's transport.
func (s *Session) Close() error {
	return s.transport.Close()
}

// ID returns the server identifier.
func (s *Session) ID() string { return s.config.ID }

// Config returns the server configuration.
func (s *Session) Config() *ServerConfig { return s.config }

// ServerInfo returns what the server reported during initialize.
func (s *Session) ServerInfo() ServerInfo { return s.serverInfo }

// Connected returns whether the underlying transport is connected.
func (s *Session) Connected() bool { return s.transport.Connected() }

// Tools returns the catalog in the order the server listed it.
func (s *Session) Tools() []*MCPTool { return s.tools }

// Tool looks up one tool in the catalog.
func (s *Session) Tool(name string) (*MCPTool, bool) {
	tool, ok := s.byName[name]
	return tool, ok
}

// Catalog returns tool name to description.
func (s *Session) Catalog() map[string]string {
	out := make(map[string]string, len(s.tools))
	for _, tool := range s.tools {
		out[tool.Name] = tool.Description
	}
	return out
}

// ToolNames returns the sorted tool names.
func (s *Session) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, tool := range s.tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

// CallTool invokes a tool and decodes the raw response.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := s.transport.Call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}
