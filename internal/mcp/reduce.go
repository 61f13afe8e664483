package mcp

import (
	"encoding/json"
	"strings"
)

// maxTextPayload caps raw text and backend error messages.
const maxTextPayload = 4000

const emptyResponseMessage = "empty response from MCP server"

// Reduce turns a raw tools/call response into a Result.
//
// Precedence: structured payload (structuredContent or a json fragment),
// then the first text fragment that parses as a JSON object, then the raw
// text wrapped as {"text": ...}. A response with none of these fails.
// isError and an "error" key both turn the payload into a failure.
func Reduce(raw *ToolCallResult) Result {
	if raw == nil {
		return Failure(emptyResponseMessage)
	}

	payload, text := reducePayload(raw)
	if payload == nil {
		if raw.IsError {
			return Failure("tool reported an error")
		}
		return Failure(emptyResponseMessage)
	}

	if raw.IsError {
		if _, has := payload["error"]; !has {
			msg := text
			if msg == "" {
				data, _ := json.Marshal(payload)
				msg = string(data)
			}
			return Failure(truncate(msg, maxTextPayload))
		}
	}

	res := ResultFromPayload(payload)
	if !res.OK() {
		return Failure(truncate(res.Message(), maxTextPayload)).WithTrace(res.Trace())
	}
	return res
}

func reducePayload(raw *ToolCallResult) (map[string]any, string) {
	if obj, ok := decodeStructured(raw.StructuredContent); ok {
		return obj, ""
	}
	for _, c := range raw.Content {
		if len(c.Value) > 0 && (c.Type == "json" || c.Type == "") {
			if obj, ok := decodeStructured(c.Value); ok {
				return obj, ""
			}
		}
	}

	var texts []string
	for _, c := range raw.Content {
		if c.Type != "text" && c.Type != "" {
			continue
		}
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		texts = append(texts, c.Text)
		if obj, ok := decodeObject(c.Text); ok {
			return obj, c.Text
		}
	}

	if len(texts) == 0 {
		return nil, ""
	}
	text := strings.Join(texts, "\n")
	return map[string]any{"text": truncate(text, maxTextPayload)}, text
}

// decodeStructured accepts any JSON value; non-objects are wrapped as
// {"value": value}.
func decodeStructured(data json.RawMessage) (map[string]any, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, false
	}
	if obj, ok := v.(map[string]any); ok {
		return obj, true
	}
	return map[string]any{"value": v}, true
}

func decodeObject(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
