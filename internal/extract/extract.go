// Package extract pulls a single tool-call request out of free-form model
// output.
//
// Models are asked to answer with exactly one JSON object of the form
//
//	{"action":"tool_call","server":"<server>","tool":"<tool>","args":{...}}
//
// but in practice they wrap it in prose, code fences, smart quotes, comments
// or single quotes. Extraction runs an ordered list of independent strategies
// and returns the first candidate with the tool-call shape. Text without one
// is a final answer.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/haasonsaas/mcpmux/internal/mcp"
)

// ActionToolCall is the discriminator value of a tool-call object.
const ActionToolCall = "tool_call"

// Strategy is one way of locating a tool call in preprocessed text.
type Strategy struct {
	Name string
	Find func(text string) (mcp.Request, bool)
}

// DefaultStrategies is the extraction order used by Extract.
var DefaultStrategies = []Strategy{
	{Name: "whole", Find: wholeText},
	{Name: "lazy_braces", Find: lazyBraces},
	{Name: "balanced", Find: balanced},
	{Name: "discriminator", Find: discriminator},
}

// Extractor runs strategies in order.
type Extractor struct {
	Strategies []Strategy
}

// Extract runs DefaultStrategies over text.
func Extract(text string) (mcp.Request, bool) {
	req, _, ok := (&Extractor{}).Extract(text)
	return req, ok
}

// Extract returns the first tool call found and the name of the strategy
// that found it. Every strategy runs over each JSON code fence in turn and
// then over the whole text, so a call survives unrelated fenced snippets
// around it.
func (e *Extractor) Extract(text string) (mcp.Request, string, bool) {
	strategies := e.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	for _, source := range Sources(text) {
		for _, strategy := range strategies {
			if req, ok := strategy.Find(source); ok {
				return req, strategy.Name, true
			}
		}
	}
	return mcp.Request{}, "", false
}

var (
	lazyObjRe = regexp.MustCompile(`\{[\s\S]*?\}`)
	discrimRe = regexp.MustCompile(`"action"\s*:\s*"tool_call"`)

	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// Preprocess trims text and straightens smart quotes.
func Preprocess(text string) string {
	return strings.TrimSpace(quoteReplacer.Replace(text))
}

// Sources returns the texts extraction looks at, in order: the body of every
// JSON code fence, then the whole preprocessed text.
func Sources(text string) []string {
	s := Preprocess(text)
	if s == "" {
		return nil
	}
	return append(fencedBlocks(s), s)
}

// fencedBlocks returns the bodies of ``` fences tagged json, json5, jsonc,
// js or javascript, or untagged. Fences are paired in order, so the closing
// marker of one block never opens the next.
func fencedBlocks(s string) []string {
	const marker = "```"
	var blocks []string
	for {
		open := strings.Index(s, marker)
		if open < 0 {
			return blocks
		}
		rest := s[open+len(marker):]
		end := strings.Index(rest, marker)
		if end < 0 {
			return blocks
		}
		header, body, multiline := strings.Cut(rest[:end], "\n")
		switch {
		case multiline && jsonFence(header):
			if body = strings.TrimSpace(body); body != "" {
				blocks = append(blocks, body)
			}
		case !multiline && strings.HasPrefix(strings.TrimSpace(header), "{"):
			blocks = append(blocks, strings.TrimSpace(header))
		}
		s = rest[end+len(marker):]
	}
}

func jsonFence(header string) bool {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "", "json", "json5", "jsonc", "js", "javascript":
		return true
	}
	return false
}

func wholeText(s string) (mcp.Request, bool) {
	return candidate(s)
}

func lazyBraces(s string) (mcp.Request, bool) {
	for _, raw := range lazyObjRe.FindAllString(s, -1) {
		if req, ok := candidate(strings.TrimSpace(raw)); ok {
			return req, true
		}
	}
	return mcp.Request{}, false
}

func balanced(s string) (mcp.Request, bool) {
	for _, block := range balancedObjects(s) {
		if req, ok := candidate(block); ok {
			return req, true
		}
	}
	return mcp.Request{}, false
}

// discriminator looks for the "action":"tool_call" marker and widens to an
// enclosing balanced object, falling back to the nearest braces around it.
func discriminator(s string) (mcp.Request, bool) {
	loc := discrimRe.FindStringIndex(s)
	if loc == nil {
		return mcp.Request{}, false
	}
	for open := strings.LastIndex(s[:loc[0]], "{"); open >= 0; open = strings.LastIndex(s[:open], "{") {
		block, ok := balancedFrom(s, open)
		if !ok || open+len(block) < loc[1] {
			continue
		}
		if req, ok := candidate(block); ok {
			return req, true
		}
	}

	start := strings.LastIndex(s[:loc[0]], "{")
	end := strings.Index(s[loc[1]:], "}")
	if start < 0 || end < 0 {
		return mcp.Request{}, false
	}
	return candidate(s[start : loc[1]+end+1])
}

// balancedObjects returns the top-level balanced {...} blocks in order,
// stopping at the first block that never closes.
func balancedObjects(s string) []string {
	var blocks []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		block, ok := balancedFrom(s, i)
		if !ok {
			break
		}
		blocks = append(blocks, block)
		i += len(block) - 1
	}
	return blocks
}

// balancedFrom returns the block opened by the brace at start. Braces inside
// double-quoted strings do not count.
func balancedFrom(s string, start int) (string, bool) {
	var (
		depth  int
		inStr  bool
		escape bool
	)
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// candidate decodes s as strict JSON, then JSON5, then repaired JSON, and
// accepts the first object with the tool-call shape.
func candidate(s string) (mcp.Request, bool) {
	if s == "" || !strings.Contains(s, "{") {
		return mcp.Request{}, false
	}
	decoders := []func(string) (map[string]any, bool){strictObject, json5Object, repairedObject}
	for _, decode := range decoders {
		if obj, ok := decode(s); ok {
			if req, ok := toolCall(obj); ok {
				return req, true
			}
		}
	}
	return mcp.Request{}, false
}

func strictObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func json5Object(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json5.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func repairedObject(s string) (map[string]any, bool) {
	return strictObject(Repair(s))
}

// Repair rewrites JSON-ish text toward strict JSON: it drops // comments,
// turns single-quoted strings into double-quoted ones and quotes bare keys.
// Text inside string literals is left alone, so apostrophes and URLs in
// values survive.
func Repair(s string) string {
	s = quoteReplacer.Replace(s)
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\r", "")

	var (
		out     strings.Builder
		runes   = []rune(s)
		quote   rune // active string delimiter, 0 outside strings
		lastSig rune // last non-space rune written outside strings
	)
	out.Grow(len(s) + 16)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if quote != 0 {
			switch {
			case ch == '\\' && i+1 < len(runes):
				i++
				if runes[i] == '\'' {
					out.WriteRune('\'')
				} else {
					out.WriteRune(ch)
					out.WriteRune(runes[i])
				}
			case ch == quote:
				out.WriteRune('"')
				quote, lastSig = 0, '"'
			case ch == '"':
				out.WriteString(`\"`)
			default:
				out.WriteRune(ch)
			}
			continue
		}

		switch {
		case ch == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i+1 < len(runes) && runes[i+1] != '\n' {
				i++
			}
		case ch == '"' || ch == '\'':
			quote = ch
			out.WriteRune('"')
		case isIdentStart(ch):
			j := i
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			if (lastSig == '{' || lastSig == ',') && followedByColon(runes, j) {
				out.WriteString(`"` + word + `"`)
			} else {
				out.WriteString(word)
			}
			lastSig = runes[j-1]
			i = j - 1
		default:
			out.WriteRune(ch)
			if !unicode.IsSpace(ch) {
				lastSig = ch
			}
		}
	}
	return strings.TrimSpace(out.String())
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

func followedByColon(runes []rune, i int) bool {
	for ; i < len(runes); i++ {
		if !unicode.IsSpace(runes[i]) {
			return runes[i] == ':'
		}
	}
	return false
}

func toolCall(obj map[string]any) (mcp.Request, bool) {
	if action, _ := obj["action"].(string); action != ActionToolCall {
		return mcp.Request{}, false
	}
	server, ok := obj["server"].(string)
	if !ok {
		return mcp.Request{}, false
	}
	tool, ok := obj["tool"].(string)
	if !ok {
		return mcp.Request{}, false
	}
	args, ok := obj["args"].(map[string]any)
	if !ok {
		return mcp.Request{}, false
	}
	return mcp.Request{Server: server, Tool: tool, Args: args}, true
}
