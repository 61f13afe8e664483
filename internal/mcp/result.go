package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result is the outcome of a tool call: either a success payload or a
// failure descriptor. The zero Result is a failure with an empty message.
type Result struct {
	ok      bool
	payload map[string]any
	message string
	trace   string
}

// Success wraps a payload. A nil payload becomes an empty object.
func Success(payload map[string]any) Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return Result{ok: true, payload: payload}
}

// Failure builds a failed result.
func Failure(message string) Result {
	return Result{message: message}
}

// Failuref builds a failed result from a format string.
func Failuref(format string, args ...any) Result {
	return Failure(fmt.Sprintf(format, args...))
}

// WithTrace attaches diagnostic detail to a failure.
func (r Result) WithTrace(trace string) Result {
	if !r.ok {
		r.trace = trace
	}
	return r
}

// OK reports whether the result is a success.
func (r Result) OK() bool { return r.ok }

// Payload returns the success payload, or nil for a failure.
func (r Result) Payload() map[string]any {
	if !r.ok {
		return nil
	}
	return r.payload
}

// Message returns the failure message, or "" for a success.
func (r Result) Message() string { return r.message }

// Trace returns the failure's diagnostic detail, if any.
func (r Result) Trace() string { return r.trace }

// Get returns a top-level payload field.
func (r Result) Get(key string) (any, bool) {
	if !r.ok {
		return nil, false
	}
	v, ok := r.payload[key]
	return v, ok
}

// MarshalJSON renders a success as its payload and a failure as
// {"error": message, "trace": trace}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.ok {
		return json.Marshal(r.payload)
	}
	out := map[string]any{"error": r.message}
	if r.trace != "" {
		out["trace"] = r.trace
	}
	return json.Marshal(out)
}

// String renders the result as compact JSON.
func (r Result) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("<unprintable result: %v>", err)
	}
	return string(data)
}

// ResultFromPayload applies the convention that a payload carrying an
// "error" key is a failure.
func ResultFromPayload(payload map[string]any) Result {
	if payload == nil {
		return Success(nil)
	}
	errVal, hasErr := payload["error"]
	if !hasErr || errVal == nil {
		return Success(payload)
	}
	if b, ok := errVal.(bool); ok && !b {
		return Success(payload)
	}

	message := errorText(errVal)
	res := Failure(message)
	if tr, ok := payload["trace"].(string); ok {
		res = res.WithTrace(tr)
	}
	return res
}

func errorText(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		if msg, ok := val["message"].(string); ok {
			return msg
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
