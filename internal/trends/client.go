// Package trends drives the YouTube trends MCP server through the pool and
// repairs the server-side state it loses between processes.
package trends

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/mcpmux/internal/mcp"
	"github.com/haasonsaas/mcpmux/internal/observability"
	"github.com/haasonsaas/mcpmux/internal/recovery"
)

// DefaultServer is the server ID the trends tools live on.
const DefaultServer = "yt"

// Failure signatures reported by the trends server.
var (
	NotInitialized        = []string{"not initialized", "no está inicializado", "no esta inicializado"}
	NoData                = []string{"no data", "no hay datos"}
	NoPreviousCalculation = []string{"no previous calculation", "no hay cálculo previo", "no hay calculo previo"}
)

// Caller is the part of mcp.Pool the client needs.
type Caller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (mcp.Result, error)
}

// SearchParams are the arguments of yt_search_recent.
type SearchParams struct {
	Days       int    `json:"days"`
	PerKeyword int    `json:"per_keyword"`
	Order      string `json:"order"`
	Region     string `json:"region,omitempty"`
}

// MinimalSearch is the search used to repopulate an empty server.
func MinimalSearch(perKeyword int) SearchParams {
	return SearchParams{Days: 7, PerKeyword: max(10, perKeyword), Order: "viewCount"}
}

func (p SearchParams) args() map[string]any {
	args := map[string]any{"days": p.Days, "per_keyword": p.PerKeyword, "order": p.Order}
	if p.Region != "" {
		args["region"] = p.Region
	}
	return args
}

// Client wraps the trends tools with precondition recovery.
type Client struct {
	caller  Caller
	server  string
	logger  *slog.Logger
	metrics *observability.Metrics
	state   *StateFile

	mu sync.Mutex
	st State
}

// Option configures a Client.
type Option func(*Client)

// WithServer overrides the server ID.
func WithServer(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.server = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records recovery outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStateFile persists saved keywords and the last search and calculation
// across runs.
func WithStateFile(f *StateFile) Option {
	return func(c *Client) { c.state = f }
}

// New creates a client.
func New(caller Caller, opts ...Option) *Client {
	c := &Client{caller: caller, server: DefaultServer, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "trends", "server", c.server)
	if c.state != nil {
		st, err := c.state.Load()
		if err != nil {
			c.logger.Warn("failed to load trends state", "path", c.state.Path(), "error", err)
		} else {
			c.st = st
		}
	}
	return c
}

// State returns a copy of the remembered state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.clone()
}

func (c *Client) update(fn func(st *State)) {
	c.mu.Lock()
	fn(&c.st)
	snapshot := c.st.clone()
	c.mu.Unlock()
	if c.state != nil {
		if err := c.state.Save(snapshot); err != nil {
			c.logger.Warn("failed to save trends state", "path", c.state.Path(), "error", err)
		}
	}
}

// raw issues one tool call with no recovery.
func (c *Client) raw(tool string, args map[string]any) recovery.Op {
	return func(ctx context.Context) (mcp.Result, error) {
		return c.caller.Call(ctx, c.server, tool, args)
	}
}

// call issues one tool call, initializing the server once if it reports
// that it is not initialized.
func (c *Client) call(ctx context.Context, tool string, args map[string]any) (mcp.Result, error) {
	return recovery.Pipeline{
		Name:           "init",
		Target:         c.raw(tool, args),
		IsPrecondition: recovery.MessageContains(NotInitialized...),
		Remediation:    []recovery.Step{{Name: "yt_init", Run: c.raw("yt_init", map[string]any{})}},
		Logger:         c.logger,
		Metrics:        c.metrics,
	}.Run(ctx)
}

func (c *Client) step(name string, fn func(ctx context.Context) (mcp.Result, error)) recovery.Step {
	return recovery.Step{Name: name, Run: fn}
}

// EnsureInitialized probes the server with a cheap call and runs yt_init
// when it reports it is not initialized.
func (c *Client) EnsureInitialized(ctx context.Context) (mcp.Result, error) {
	return c.call(ctx, "yt_list_regions", map[string]any{})
}

// RegisterKeywords registers keywords to observe and remembers the list the
// server accepted.
func (c *Client) RegisterKeywords(ctx context.Context, keywords []string) (mcp.Result, error) {
	res, err := c.call(ctx, "yt_register_keywords", map[string]any{"keywords": toAny(keywords)})
	if err != nil || !res.OK() {
		return res, err
	}
	accepted := keywords
	if v, ok := res.Get("keywords"); ok {
		if list := stringSlice(v); len(list) > 0 {
			accepted = list
		}
	}
	if len(accepted) > 0 {
		c.update(func(st *State) { st.Keywords = dedupe(accepted) })
	}
	return res, nil
}

// SearchRecent searches recent videos for the registered keywords and
// remembers the parameters.
func (c *Client) SearchRecent(ctx context.Context, params SearchParams) (mcp.Result, error) {
	res, err := c.call(ctx, "yt_search_recent", params.args())
	if err == nil && res.OK() {
		c.update(func(st *State) { st.LastSearch = &params })
	}
	return res, err
}

// calc runs yt_calc_trends and remembers the limit on success.
func (c *Client) calc(ctx context.Context, limit int) (mcp.Result, error) {
	res, err := c.call(ctx, "yt_calc_trends", map[string]any{"limit": limit})
	if err == nil && res.OK() {
		c.update(func(st *State) { st.LastCalcLimit = limit })
	}
	return res, err
}

func (c *Client) registerSaved(extra ...string) recovery.Step {
	return c.step("register_keywords", func(ctx context.Context) (mcp.Result, error) {
		keywords := dedupe(append(c.State().Keywords, extra...))
		if len(keywords) == 0 {
			return mcp.Failure("no saved keywords"), nil
		}
		return c.RegisterKeywords(ctx, keywords)
	})
}

// CalcTrends scores the last search. When the server has no data it
// re-registers the saved keywords, runs a minimal search and retries.
func (c *Client) CalcTrends(ctx context.Context, limit int) (mcp.Result, error) {
	return recovery.Pipeline{
		Name:           "calc_trends",
		Target:         func(ctx context.Context) (mcp.Result, error) { return c.calc(ctx, limit) },
		IsPrecondition: recovery.MessageContains(NoData...),
		Remediation: []recovery.Step{
			c.registerSaved(),
			c.step("search", func(ctx context.Context) (mcp.Result, error) {
				return c.SearchRecent(ctx, MinimalSearch(limit))
			}),
		},
		Logger:  c.logger,
		Metrics: c.metrics,
	}.Run(ctx)
}

// TrendDetails returns the top videos for one keyword. When there is no
// previous calculation, or it has no items for the keyword, the keyword is
// registered, searched and scored before retrying.
func (c *Client) TrendDetails(ctx context.Context, keyword string, top int, region string) (mcp.Result, error) {
	keyword = strings.TrimSpace(keyword)
	args := map[string]any{"keyword": keyword, "top": top}
	search := MinimalSearch(top)
	search.Region = region

	return recovery.Pipeline{
		Name:   "trend_details",
		Target: func(ctx context.Context) (mcp.Result, error) { return c.call(ctx, "yt_trend_details", args) },
		IsPrecondition: recovery.Any(
			recovery.MessageContains(NoPreviousCalculation...),
			recovery.EmptyField("items"),
		),
		Remediation: []recovery.Step{
			c.registerSaved(keyword),
			c.step("search", func(ctx context.Context) (mcp.Result, error) {
				return c.SearchRecent(ctx, search)
			}),
			c.step("calc", func(ctx context.Context) (mcp.Result, error) {
				return c.calc(ctx, max(20, top))
			}),
		},
		Logger:  c.logger,
		Metrics: c.metrics,
	}.Run(ctx)
}

// ExportReport writes a CSV of the last calculation. When the server has no
// calculation it replays the remembered search and calculation first. An
// empty path lets the server choose.
func (c *Client) ExportReport(ctx context.Context, path string) (mcp.Result, error) {
	args := map[string]any{}
	if path != "" {
		args["path"] = path
	}

	res, err := recovery.Pipeline{
		Name:           "export_report",
		Target:         func(ctx context.Context) (mcp.Result, error) { return c.call(ctx, "yt_export_report", args) },
		IsPrecondition: recovery.MessageContains(NoPreviousCalculation...),
		Remediation: []recovery.Step{
			c.registerSaved(),
			c.step("search", func(ctx context.Context) (mcp.Result, error) {
				params := MinimalSearch(10)
				if last := c.State().LastSearch; last != nil {
					params = *last
				}
				return c.SearchRecent(ctx, params)
			}),
			c.step("calc", func(ctx context.Context) (mcp.Result, error) {
				return c.calc(ctx, max(10, c.State().LastCalcLimit))
			}),
		},
		Logger:  c.logger,
		Metrics: c.metrics,
	}.Run(ctx)
	if err != nil || !res.OK() || path == "" {
		return res, err
	}
	if v, ok := res.Get("path"); ok && v != nil && v != "" {
		return res, nil
	}
	payload := make(map[string]any, len(res.Payload())+1)
	for k, v := range res.Payload() {
		payload[k] = v
	}
	payload["path"] = path
	return mcp.Success(payload), nil
}

func toAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func stringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}
	return out
}
