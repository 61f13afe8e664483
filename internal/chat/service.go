// Package chat serves conversational sessions over the agent. Each session
// owns an agent and therefore its own continuation token; every request and
// response is written to the event log.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/mcpmux/internal/agent"
	"github.com/haasonsaas/mcpmux/internal/llm"
	"github.com/haasonsaas/mcpmux/internal/observability"
)

// MaxLoggedAnswer caps the answer recorded in the event log, in runes.
const MaxLoggedAnswer = 4000

var listToolsPattern = regexp.MustCompile(`(?i)\b(list|lista)\s+(tools|herramientas)\b`)

// Tools is the pool surface the service needs. *mcp.Pool satisfies it.
type Tools interface {
	agent.ToolCaller
	ListCapabilities(ctx context.Context) (map[string]map[string]string, error)
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID        string
	CreatedAt time.Time
	LastUsed  time.Time
	Turns     int
}

type session struct {
	agent    *agent.Agent
	created  time.Time
	lastUsed time.Time
	turns    int
}

// Service multiplexes chat sessions onto one model and one tool pool.
type Service struct {
	model   llm.Model
	tools   Tools
	config  agent.Config
	events  *observability.EventLog
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Service.
type Option func(*Service)

// WithEventLog records requests and responses.
func WithEventLog(events *observability.EventLog) Option {
	return func(s *Service) { s.events = events }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics is passed through to every session's agent.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer is passed through to every session's agent.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithAgentConfig overrides the per-turn bounds. An empty SystemPrompt is
// replaced by the catalog prompt.
func WithAgentConfig(cfg agent.Config) Option {
	return func(s *Service) { s.config = cfg }
}

// New creates the service. The tool catalog is read once and rendered into
// the system prompt.
func New(ctx context.Context, model llm.Model, tools Tools, opts ...Option) (*Service, error) {
	s := &Service{
		model:    model,
		tools:    tools,
		config:   agent.DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")

	if s.config.SystemPrompt == "" {
		catalog, err := tools.ListCapabilities(ctx)
		if err != nil {
			return nil, fmt.Errorf("list capabilities: %w", err)
		}
		s.config.SystemPrompt = agent.SystemPromptWithCatalog(catalog)
	}
	return s, nil
}

// Ask answers one user message within a session, creating the session on
// first use. Failures are rendered into the answer as "ERROR: ...".
func (s *Service) Ask(ctx context.Context, sessionID, text string) (out string) {
	ctx = observability.AddSessionID(ctx, sessionID)
	s.events.Log(ctx, observability.Event{
		Channel: "system",
		Kind:    "info",
		Data:    map[string]any{"info": "User message", "user_message": text},
	})

	defer func() {
		if r := recover(); r != nil {
			out = s.fail(ctx, fmt.Errorf("panic: %v", r))
		}
		s.events.Log(ctx, observability.Event{
			Channel: "chat",
			Kind:    "response",
			Data:    map[string]any{"answer": truncate(out, MaxLoggedAnswer)},
		})
	}()

	if listToolsPattern.MatchString(text) {
		return s.ListTools(ctx)
	}

	sess, turn := s.acquire(sessionID)
	answer, err := sess.agent.Run(observability.AddTurn(ctx, turn), text)
	if err != nil {
		return s.fail(ctx, err)
	}
	return answer
}

func (s *Service) fail(ctx context.Context, err error) string {
	s.logger.Error("chat request failed", "session_id", observability.GetSessionID(ctx), "error", err)
	s.events.Log(ctx, observability.Event{
		Channel: "chat",
		Kind:    "response_error",
		Data:    map[string]any{"error": err.Error()},
	})
	return "ERROR: " + err.Error()
}

// acquire returns the session and the number of the turn about to run.
func (s *Service) acquire(id string) (*session, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		opts := []agent.Option{
			agent.WithLogger(s.logger.With("session_id", id)),
			agent.WithMetrics(s.metrics),
			agent.WithTracer(s.tracer),
		}
		sess = &session{
			agent:   agent.New(s.model, s.tools, s.config, opts...),
			created: s.now(),
		}
		s.sessions[id] = sess
		s.logger.Debug("session started", "session_id", id)
	}
	sess.turns++
	sess.lastUsed = s.now()
	return sess, sess.turns
}

// ListTools renders the catalog grouped by server.
func (s *Service) ListTools(ctx context.Context) string {
	catalog, err := s.tools.ListCapabilities(ctx)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return FormatCatalog(catalog)
}

// FormatCatalog renders "[server]" headers followed by "- tool: description"
// lines, both sorted.
func FormatCatalog(catalog map[string]map[string]string) string {
	servers := make([]string, 0, len(catalog))
	for server := range catalog {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var lines []string
	for _, server := range servers {
		lines = append(lines, "["+server+"]")
		tools := make([]string, 0, len(catalog[server]))
		for tool := range catalog[server] {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		for _, tool := range tools {
			lines = append(lines, fmt.Sprintf("- %s: %s", tool, catalog[server][tool]))
		}
	}
	return strings.Join(lines, "\n")
}

// Reset clears a session's continuation token and turn count. Unknown
// sessions are ignored.
func (s *Service) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.agent.Reset()
		sess.turns = 0
	}
}

// End drops a session.
func (s *Service) End(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions lists live sessions ordered by ID.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, SessionInfo{ID: id, CreatedAt: sess.created, LastUsed: sess.lastUsed, Turns: sess.turns})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PruneIdle ends sessions unused for longer than maxIdle and returns how
// many were removed.
func (s *Service) PruneIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxIdle)
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
