package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/mcpmux/internal/eventloop"
	"github.com/haasonsaas/mcpmux/internal/observability"
)

// Normalizer canonicalizes tool arguments before they are sent.
type Normalizer interface {
	Normalize(family, tool string, args map[string]any) map[string]any
}

type poolState int

const (
	stateNew poolState = iota
	stateStarted
	stateStopped
)

// DefaultStopWait bounds how long Stop waits for in-flight work.
const DefaultStopWait = 5 * time.Second

// Pool owns the sessions to every configured server and routes calls to
// them. All session I/O runs on one event loop goroutine.
type Pool struct {
	servers []*ServerConfig
	logger  *slog.Logger

	loop       *eventloop.Loop
	normalizer Normalizer
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	factory    TransportFactory
	schemas    *schemaChecker
	stopWait   time.Duration

	mu       sync.Mutex
	state    poolState
	sessions []*Session
	byID     map[string]*Session
	stopOnce sync.Once
	stopErr  error
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNormalizer sets the argument normalizer.
func WithNormalizer(n Normalizer) PoolOption {
	return func(p *Pool) { p.normalizer = n }
}

// WithMetrics records tool call metrics.
func WithMetrics(m *observability.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithTracer traces tool calls.
func WithTracer(t *observability.Tracer) PoolOption {
	return func(p *Pool) { p.tracer = t }
}

// WithTransportFactory replaces how transports are built.
func WithTransportFactory(f TransportFactory) PoolOption {
	return func(p *Pool) {
		if f != nil {
			p.factory = f
		}
	}
}

// WithStopWait bounds how long Stop waits for the event loop.
func WithStopWait(d time.Duration) PoolOption {
	return func(p *Pool) { p.stopWait = d }
}

// WithSchemaValidation toggles the advisory input-schema check.
func WithSchemaValidation(enabled bool) PoolOption {
	return func(p *Pool) {
		if enabled {
			p.schemas = newSchemaChecker()
		} else {
			p.schemas = nil
		}
	}
}

// NewPool creates a pool for servers. Nothing is spawned until Start.
func NewPool(servers []*ServerConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		servers:  servers,
		logger:   slog.Default(),
		factory:  NewTransport,
		schemas:  newSchemaChecker(),
		stopWait: DefaultStopWait,
		byID:     make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "mcp")
	p.loop = eventloop.New(p.logger)
	return p
}

// Start launches every server in declaration order. If any server fails,
// the sessions opened so far are closed in reverse order and the failure is
// returned as a *LaunchError. Start on a started pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	switch state {
	case stateStarted:
		return nil
	case stateStopped:
		return ErrStopped
	}

	if err := p.validate(); err != nil {
		return err
	}

	_, err := p.loop.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, p.start(ctx)
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return ErrStopped
	}
	return err
}

func (p *Pool) validate() error {
	seen := make(map[string]bool, len(p.servers))
	for _, cfg := range p.servers {
		if cfg == nil {
			return &LaunchError{Stage: "config", Err: errors.New("nil server config")}
		}
		if err := cfg.Validate(); err != nil {
			return &LaunchError{Server: cfg.ID, Stage: "config", Err: err}
		}
		if seen[cfg.ID] {
			return &LaunchError{Server: cfg.ID, Stage: "config", Err: errors.New("duplicate server ID")}
		}
		seen[cfg.ID] = true
	}
	return nil
}

func (p *Pool) start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateNew {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	opened := make([]*Session, 0, len(p.servers))
	for _, cfg := range p.servers {
		session := newSession(cfg, p.factory(cfg, p.logger), p.logger)
		if err := session.open(ctx); err != nil {
			p.logger.Error("failed to start MCP server", "server", cfg.ID, "error", err)
			closeReverse(opened, p.logger)
			return err
		}
		opened = append(opened, session)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateNew {
		// Stop won the race while servers were launching.
		closeReverse(opened, p.logger)
		return ErrStopped
	}
	for _, s := range opened {
		p.byID[s.ID()] = s
	}
	p.sessions = opened
	p.state = stateStarted
	p.metrics.SetActiveSessions(len(opened))
	p.logger.Info("MCP pool started", "servers", len(opened))
	return nil
}

// Stop closes every session in reverse start order and stops the event loop.
// It is idempotent, safe before Start, and safe from any goroutine.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop()
	})
	return p.stopErr
}

func (p *Pool) stop() error {
	p.mu.Lock()
	p.state = stateStopped
	sessions := p.sessions
	p.sessions = nil
	p.byID = map[string]*Session{}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.stopWait)
	defer cancel()

	value, err := p.loop.TrySubmit(ctx, func(ctx context.Context) (any, error) {
		return closeReverse(sessions, p.logger), nil
	})
	var closeErr error
	if err != nil {
		// The loop is stuck on a hung call or a slow close. Closing the
		// transports from here unblocks calls; transports already closing
		// on the loop are skipped.
		p.logger.Warn("event loop busy during stop, closing sessions directly", "error", err)
		closeErr = closeReverse(sessions, p.logger)
	} else if e, ok := value.(error); ok {
		closeErr = e
	}

	p.metrics.SetActiveSessions(0)
	if !p.loop.Close(p.stopWait) {
		p.logger.Warn("abandoned MCP event loop after timeout", "wait", p.stopWait)
	}
	p.logger.Info("MCP pool stopped", "servers", len(sessions))
	return closeErr
}

func closeReverse(sessions []*Session, logger *slog.Logger) error {
	var errs []error
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		if err := s.Close(); err != nil {
			logger.Error("failed to close MCP session", "server", s.ID(), "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Call invokes tool on server with args and reduces the response to a
// Result. Backend, transport and lookup problems are reported as a Failure;
// the error is only non-nil when the pool is not running.
func (p *Pool) Call(ctx context.Context, server, tool string, args map[string]any) (Result, error) {
	if err := p.running(); err != nil {
		return Result{}, err
	}

	res, err := eventloop.Do(ctx, p.loop, func(ctx context.Context) (Result, error) {
		return p.call(ctx, server, tool, args), nil
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, eventloop.ErrClosed):
		return Result{}, ErrStopped
	default:
		return Failuref("call %s.%s not executed: %v", server, tool, err), nil
	}
}

// CallRequest is Call for a structured request.
func (p *Pool) CallRequest(ctx context.Context, req Request) (Result, error) {
	return p.Call(ctx, req.Server, req.Tool, req.Args)
}

func (p *Pool) running() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	return nil
}

// call runs on the loop goroutine.
func (p *Pool) call(ctx context.Context, server, tool string, args map[string]any) Result {
	p.mu.Lock()
	session, ok := p.byID[server]
	p.mu.Unlock()
	if !ok {
		return Failuref("unknown MCP server %q", server)
	}

	tool = resolveTool(session, tool)
	if tool == "" {
		return Failure("tool name is required")
	}

	if p.normalizer != nil {
		args = p.normalizer.Normalize(session.Config().NormalizerKey(), tool, args)
	}
	if args == nil {
		args = map[string]any{}
	}

	logger := p.logger.With("server", server, "tool", tool)
	if desc, known := session.Tool(tool); !known {
		logger.Warn("tool not advertised by server")
	} else if p.schemas != nil {
		if err := p.schemas.Check(server, tool, desc.InputSchema, args); err != nil {
			logger.Warn("arguments do not match input schema", "error", err)
		}
	}

	ctx, span := p.tracer.TraceToolCall(ctx, server, tool)
	defer span.End()

	start := time.Now()
	raw, err := session.CallTool(ctx, tool, args)
	var res Result
	if err != nil {
		p.tracer.RecordError(span, err)
		res = transportFailure(err)
	} else {
		res = Reduce(raw)
	}

	status := "success"
	if !res.OK() {
		status = "failure"
		logger.Debug("tool call failed", "error", res.Message())
	}
	p.metrics.RecordToolCall(server, tool, status, time.Since(start))
	logger.Debug("tool call finished", "status", status, "duration", time.Since(start))
	return res
}

// resolveTool maps "server:tool" and "git:add" style names onto the
// catalog. Names that match nothing are sent as given, minus the prefix.
func resolveTool(session *Session, tool string) string {
	tool = strings.TrimSpace(tool)
	if _, ok := session.Tool(tool); ok {
		return tool
	}
	prefix, rest, found := strings.Cut(tool, ":")
	if !found {
		return tool
	}
	if _, ok := session.Tool(rest); ok {
		return rest
	}
	if _, ok := session.Tool(prefix + "_" + rest); ok {
		return prefix + "_" + rest
	}
	return rest
}

func transportFailure(err error) Result {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		res := Failure(truncate(rpcErr.Message, maxTextPayload))
		if len(rpcErr.Data) > 0 {
			res = res.WithTrace(truncate(string(rpcErr.Data), maxTextPayload))
		}
		return res
	}
	return Failure(truncate(err.Error(), maxTextPayload))
}

// ListCapabilities returns server ID to tool name to description.
func (p *Pool) ListCapabilities(ctx context.Context) (map[string]map[string]string, error) {
	if err := p.running(); err != nil {
		return nil, err
	}
	caps, err := eventloop.Do(ctx, p.loop, func(ctx context.Context) (map[string]map[string]string, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		out := make(map[string]map[string]string, len(p.sessions))
		for _, s := range p.sessions {
			out[s.ID()] = s.Catalog()
		}
		return out, nil
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return nil, ErrStopped
	}
	return caps, err
}

// Servers returns the configured server IDs in declaration order.
func (p *Pool) Servers() []string {
	ids := make([]string, 0, len(p.servers))
	for _, cfg := range p.servers {
		if cfg != nil {
			ids = append(ids, cfg.ID)
		}
	}
	return ids
}

// ToolSchema is one tool with its input schema.
type ToolSchema struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolSchemas returns every tool sorted by server then name.
func (p *Pool) ToolSchemas() []ToolSchema {
	p.mu.Lock()
	defer p.mu.Unlock()

	var schemas []ToolSchema
	for _, s := range p.sessions {
		for _, tool := range s.Tools() {
			schemas = append(schemas, ToolSchema{
				ServerID:    s.ID(),
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	sort.SliceStable(schemas, func(i, j int) bool {
		if schemas[i].ServerID != schemas[j].ServerID {
			return schemas[i].ServerID < schemas[j].ServerID
		}
		return schemas[i].Name < schemas[j].Name
	})
	return schemas
}

// ServerStatus represents the status of an MCP server.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Transport string     `json:"transport"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
}

// Status returns the status of all configured servers in declaration order.
func (p *Pool) Status() []ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]ServerStatus, 0, len(p.servers))
	for _, cfg := range p.servers {
		if cfg == nil {
			continue
		}
		transport := string(cfg.Transport)
		if transport == "" {
			transport = string(TransportStdio)
		}
		status := ServerStatus{ID: cfg.ID, Name: cfg.Name, Transport: transport}
		if s, ok := p.byID[cfg.ID]; ok {
			status.Connected = s.Connected()
			status.Server = s.ServerInfo()
			status.Tools = len(s.Tools())
		}
		statuses = append(statuses, status)
	}
	return statuses
}
