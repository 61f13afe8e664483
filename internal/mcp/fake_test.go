package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// journal records lifecycle events across fake transports in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type toolHandler func(name string, args map[string]any) (*ToolCallResult, error)

// fakeTransport is an in-memory MCP server.
type fakeTransport struct {
	id         string
	journal    *journal
	tools      []*MCPTool
	handle     toolHandler
	connectErr error
	listErr    error
	closeHang  chan struct{}

	connected atomic.Bool
	inFlight  atomic.Int32
	overlap   atomic.Bool

	mu    sync.Mutex
	calls []CallToolParams
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.journal.add("connect %s", f.id)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeTransport) Close() error {
	if f.connected.Swap(false) {
		f.journal.add("close %s", f.id)
		if f.closeHang != nil {
			<-f.closeHang
		}
	}
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected.Load() }

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	if !f.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !f.connected.Load() {
		return nil, ErrNotConnected
	}
	switch method {
	case "initialize":
		return json.Marshal(InitializeResult{ProtocolVersion: ProtocolVersion, ServerInfo: ServerInfo{Name: f.id, Version: "test"}})
	case "tools/list":
		if f.listErr != nil {
			return nil, f.listErr
		}
		return json.Marshal(ListToolsResult{Tools: f.tools})
	case "tools/call":
		if f.inFlight.Add(1) > 1 {
			f.overlap.Store(true)
		}
		defer f.inFlight.Add(-1)

		p := params.(CallToolParams)
		f.mu.Lock()
		f.calls = append(f.calls, p)
		f.mu.Unlock()

		handle := f.handle
		if handle == nil {
			handle = echoHandler
		}
		res, err := handle(p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
	return nil, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
}

func (f *fakeTransport) recorded() []CallToolParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CallToolParams(nil), f.calls...)
}

// echoHandler returns the arguments as structured content.
func echoHandler(name string, args map[string]any) (*ToolCallResult, error) {
	data, err := json.Marshal(map[string]any{"tool": name, "args": args})
	if err != nil {
		return nil, err
	}
	return &ToolCallResult{StructuredContent: data}, nil
}

// fakeFleet builds fake transports keyed by server ID.
type fakeFleet struct {
	journal    journal
	transports map[string]*fakeTransport
	setup      func(f *fakeTransport)
}

func newFakeFleet(setup func(f *fakeTransport)) *fakeFleet {
	return &fakeFleet{transports: make(map[string]*fakeTransport), setup: setup}
}

func (ff *fakeFleet) factory(cfg *ServerConfig, logger *slog.Logger) Transport {
	f := &fakeTransport{
		id:      cfg.ID,
		journal: &ff.journal,
		tools: []*MCPTool{
			{Name: "echo", Description: "Echo the arguments", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "status", Description: "Report status"},
		},
	}
	if ff.setup != nil {
		ff.setup(f)
	}
	ff.transports[cfg.ID] = f
	return f
}

func fakeServers(ids ...string) []*ServerConfig {
	servers := make([]*ServerConfig, 0, len(ids))
	for _, id := range ids {
		servers = append(servers, &ServerConfig{ID: id, Command: "fake-" + id})
	}
	return servers
}

var errBoom = errors.New("boom")

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
