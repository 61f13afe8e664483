package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrScriptExhausted is returned once every scripted reply has been used.
var ErrScriptExhausted = errors.New("llm: scripted replies exhausted")

// Reply is one scripted backend answer.
type Reply struct {
	Text       string
	Incomplete bool
	Err        error
}

// Scripted replays canned replies in order and records every request. It
// backs tests and offline runs.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	requests []Request
}

// NewScripted creates a backend that answers with replies in order.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Name returns "scripted".
func (s *Scripted) Name() string { return "scripted" }

// Respond returns the next reply. Tokens are "scripted-1", "scripted-2", ...
func (s *Scripted) Respond(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recorded := *req
	recorded.Segments = append([]Segment(nil), req.Segments...)
	s.requests = append(s.requests, recorded)

	n := len(s.requests)
	if n > len(s.replies) {
		return nil, ErrScriptExhausted
	}
	reply := s.replies[n-1]
	if reply.Err != nil {
		return nil, reply.Err
	}

	stop := "stop"
	if reply.Incomplete {
		stop = "max_output_tokens"
	}
	return &Response{
		Text:       reply.Text,
		Token:      fmt.Sprintf("scripted-%d", n),
		Complete:   !reply.Incomplete,
		StopReason: stop,
	}, nil
}

// Requests returns copies of the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
