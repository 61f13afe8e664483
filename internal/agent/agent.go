// Package agent runs the bounded plan, act, observe loop that lets a text
// model drive MCP tools.
//
// Each user turn alternates between asking the model for its next move and
// executing at most one tool call. The model either answers in prose (the
// final answer) or emits a single JSON tool-call object; the tool result is
// fed back as an observation on the next step. The loop stops after
// Config.MaxSteps model calls.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/mcpmux/internal/extract"
	"github.com/haasonsaas/mcpmux/internal/llm"
	"github.com/haasonsaas/mcpmux/internal/mcp"
	"github.com/haasonsaas/mcpmux/internal/observability"
)

const (
	// ExhaustedPrefix introduces the last tool result when the step budget
	// runs out before the model answers.
	ExhaustedPrefix = "(no final answer from the model; returning last tool result)"

	// NoResponse is returned when a turn produced neither an answer nor a
	// tool result.
	NoResponse = "(no response from the agent)"

	// ObservationPrefix labels a tool result fed back to the model.
	ObservationPrefix = "OBSERVATION (tool result): "
)

// ErrModel wraps backend failures returned by Run.
var ErrModel = errors.New("model request failed")

// ToolCaller executes one tool call. *mcp.Pool satisfies it.
type ToolCaller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (mcp.Result, error)
}

// Config bounds a turn.
type Config struct {
	// MaxSteps is the number of model calls per turn. Default: 4
	MaxSteps int
	// ObservationLimit caps the serialized tool result in runes. Default: 16000
	ObservationLimit int
	// MaxOutputTokens is passed to the backend. Default: 700
	MaxOutputTokens int
	// SystemPrompt replaces DefaultSystemPrompt when set.
	SystemPrompt string
}

// DefaultConfig returns the default turn bounds.
func DefaultConfig() Config {
	return Config{
		MaxSteps:         4,
		ObservationLimit: 16000,
		MaxOutputTokens:  llm.DefaultMaxOutputTokens,
		SystemPrompt:     DefaultSystemPrompt,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.ObservationLimit <= 0 {
		cfg.ObservationLimit = defaults.ObservationLimit
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaults.MaxOutputTokens
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaults.SystemPrompt
	}
	return cfg
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records runs and steps.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTracer emits a span per run and per step.
func WithTracer(t *observability.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithExtractor replaces extract.Extract.
func WithExtractor(fn func(text string) (mcp.Request, bool)) Option {
	return func(a *Agent) {
		if fn != nil {
			a.extract = fn
		}
	}
}

// Agent drives one conversation. Turns are serialized; the continuation
// token carries over between them.
type Agent struct {
	model   llm.Model
	tools   ToolCaller
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	extract func(string) (mcp.Request, bool)

	mu    sync.Mutex
	token string
}

// New creates an agent.
func New(model llm.Model, tools ToolCaller, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		model:   model,
		tools:   tools,
		config:  sanitizeConfig(cfg),
		logger:  slog.Default(),
		extract: extract.Extract,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent")
	return a
}

// Token returns the continuation token carried into the next turn.
func (a *Agent) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Reset forgets the continuation token.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
}

// Config returns the effective configuration.
func (a *Agent) Config() Config { return a.config }

// Run executes one user turn and returns the answer. An error is returned
// only when the backend fails; tool failures become observations.
func (a *Agent) Run(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := a.tracer.Start(ctx, "agent.run")
	defer span.End()

	state := &State{Token: a.token, Phase: PhaseAwaitModel}
	incomplete := false

	for state.Step < a.config.MaxSteps {
		state.Step++
		stepCtx := observability.AddTurn(ctx, state.Step)

		resp, err := a.askModel(stepCtx, text, state)
		if err != nil {
			a.token = ""
			a.tracer.RecordError(span, err)
			a.metrics.RecordAgentRun("error", state.toolCalls)
			return "", fmt.Errorf("%w: %w", ErrModel, err)
		}
		state.Token = resp.Token
		if !resp.Complete {
			incomplete = true
		}

		reply := strings.TrimSpace(resp.Text)
		req, ok := a.extract(reply)
		if !ok {
			state.Final = reply
			state.Phase = PhaseDone
			break
		}

		state.Phase = PhaseExecuteTool
		result := a.executeTool(stepCtx, req)
		state.LastResult = &result
		state.toolCalls++
		state.Observation = observation(result, a.config.ObservationLimit)
		state.Phase = PhaseAwaitModel
	}
	state.Phase = PhaseDone

	if incomplete {
		a.token = ""
	} else {
		a.token = state.Token
	}

	answer, outcome := state.answer()
	span.SetAttributes(
		attribute.Int("agent.steps", state.Step),
		attribute.Int("agent.tool_calls", state.toolCalls),
		attribute.String("agent.outcome", outcome),
	)
	a.metrics.RecordAgentRun(outcome, state.toolCalls)
	a.logger.Debug("turn finished", "steps", state.Step, "tool_calls", state.toolCalls, "outcome", outcome)
	return answer, nil
}

func (a *Agent) askModel(ctx context.Context, text string, state *State) (*llm.Response, error) {
	ctx, span := a.tracer.Start(ctx, "agent.model", attribute.Int("agent.step", state.Step))
	defer span.End()

	segments := []llm.Segment{llm.System(a.config.SystemPrompt), llm.User(text)}
	if state.Observation != "" {
		segments = append(segments, llm.System(ObservationPrefix+state.Observation))
	}

	resp, err := a.model.Respond(ctx, &llm.Request{
		Segments:        segments,
		Token:           state.Token,
		MaxOutputTokens: a.config.MaxOutputTokens,
	})
	if err != nil {
		a.tracer.RecordError(span, err)
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("backend returned no response")
	}
	return resp, nil
}

// executeTool runs one call. Caller errors and panics become failures so
// the model can observe them.
func (a *Agent) executeTool(ctx context.Context, req mcp.Request) (result mcp.Result) {
	ctx, span := a.tracer.Start(ctx, "agent.tool",
		attribute.String("mcp.server", req.Server),
		attribute.String("mcp.tool", req.Tool))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("tool call panicked", "call", req.String(), "panic", r)
			result = mcp.Failuref("tool call %s panicked: %v", req, r)
		}
	}()

	a.logger.Info("executing tool call", "server", req.Server, "tool", req.Tool)
	res, err := a.tools.Call(ctx, req.Server, req.Tool, req.Args)
	if err != nil {
		a.tracer.RecordError(span, err)
		return mcp.Failure(err.Error())
	}
	if !res.OK() {
		span.SetAttributes(attribute.String("mcp.error", res.Message()))
	}
	return res
}

// observation serializes a result and truncates it to limit runes.
func observation(result mcp.Result, limit int) string {
	text := encodeJSON(result, "")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

func encodeJSON(v any, indent string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
