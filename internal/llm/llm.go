// Package llm defines the text-generation backend used by the agent and its
// implementations.
//
// A request is an ordered list of role-tagged segments plus an optional
// continuation token from a previous response. Backends thread the
// conversation through the token, so a caller only sends what is new.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Role tags a segment.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultMaxOutputTokens bounds a reply when the request leaves it unset.
const DefaultMaxOutputTokens = 700

var (
	// ErrNoAPIKey is returned by remote backends built without credentials.
	ErrNoAPIKey = errors.New("llm: API key not configured")
	// ErrEmptyRequest is returned when a request carries no segments.
	ErrEmptyRequest = errors.New("llm: request has no segments")
)

// Segment is one role-tagged piece of input.
type Segment struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is one call to a backend.
type Request struct {
	Segments        []Segment
	Token           string
	MaxOutputTokens int
}

// Response is a backend reply. Complete is false when generation stopped
// before a natural end (output budget, content filter).
type Response struct {
	Text       string
	Token      string
	Complete   bool
	StopReason string
}

// Model produces a reply for a request.
type Model interface {
	Respond(ctx context.Context, req *Request) (*Response, error)
}

// System, User and Assistant build segments.
func System(text string) Segment    { return Segment{Role: RoleSystem, Text: text} }
func User(text string) Segment      { return Segment{Role: RoleUser, Text: text} }
func Assistant(text string) Segment { return Segment{Role: RoleAssistant, Text: text} }

func maxTokens(req *Request) int {
	if req.MaxOutputTokens > 0 {
		return req.MaxOutputTokens
	}
	return DefaultMaxOutputTokens
}

func validate(req *Request) error {
	if req == nil || len(req.Segments) == 0 {
		return ErrEmptyRequest
	}
	return nil
}

// isTransientMessage matches error text that usually clears on retry.
func isTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"rate limit", "timeout", "deadline exceeded", "connection reset", "overloaded", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
