// Package normalize canonicalizes tool-call arguments produced by a language
// model before they reach an MCP server.
//
// Rules are grouped by server family ("git", "fs", "gram", "yt") and keyed by
// tool name. Normalization is pure and total: it never fails, never mutates
// its input, and passes arguments for unknown families or tools through
// unchanged.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// AnyTool registers a family-wide rule applied to tools without their own.
const AnyTool = "*"

// Rule rewrites a private copy of a tool's arguments.
type Rule func(args map[string]any) map[string]any

// Registry maps family and tool name to a Rule.
type Registry struct {
	mu       sync.RWMutex
	families map[string]map[string]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]map[string]Rule)}
}

// Default returns a registry with the git, fs, gram and yt families.
func Default() *Registry {
	r := NewRegistry()
	registerGit(r)
	registerFS(r)
	registerGram(r)
	registerYT(r)
	return r
}

// Register adds or replaces the rule for family and tool.
func (r *Registry) Register(family, tool string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules, ok := r.families[family]
	if !ok {
		rules = make(map[string]Rule)
		r.families[family] = rules
	}
	rules[tool] = rule
}

// Families returns the registered family names.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.families))
	for name := range r.families {
		out = append(out, name)
	}
	return out
}

// Normalize returns canonical arguments for tool on a server of the given
// family. Tool names may carry a "server:" prefix.
func (r *Registry) Normalize(family, tool string, args map[string]any) map[string]any {
	out := clone(args)
	if r == nil {
		return out
	}

	r.mu.RLock()
	rules := r.families[family]
	r.mu.RUnlock()
	if rules == nil {
		return out
	}

	rule := lookup(rules, family, strings.TrimSpace(tool))
	if rule == nil {
		return out
	}
	result := rule(out)
	if result == nil {
		return map[string]any{}
	}
	return result
}

// lookup accepts "git_add", "git:add", "git:git_add" and "filesystem:move_file".
func lookup(rules map[string]Rule, family, tool string) Rule {
	if rule, ok := rules[tool]; ok {
		return rule
	}
	prefix, rest, found := strings.Cut(tool, ":")
	if !found {
		return rules[AnyTool]
	}
	for _, name := range []string{rest, prefix + "_" + rest, family + "_" + rest} {
		if rule, ok := rules[name]; ok {
			return rule
		}
	}
	return rules[AnyTool]
}

func clone(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// toInt coerces ints, floats, numeric strings and json.Number.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return floatToInt(f)
		}
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
	}
	return 0, false
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if f < math.MinInt32 {
		return math.MinInt32, true
	}
	return int(f), true
}

// clampInt sets args[key] to its integer value bounded to [lo, hi], or def
// when the key is missing or unparseable.
func clampInt(args map[string]any, key string, def, lo, hi int) {
	n, ok := toInt(args[key])
	if !ok {
		n = def
	}
	args[key] = min(max(n, lo), hi)
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// stringList accepts a list of values or a comma-separated string and
// returns the trimmed non-blank entries.
func stringList(v any, splitCommas bool) ([]string, bool) {
	var items []string
	switch val := v.(type) {
	case string:
		if splitCommas {
			items = strings.Split(val, ",")
		} else {
			items = []string{val}
		}
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, stringify(item))
		}
	default:
		return nil, false
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out, true
}
