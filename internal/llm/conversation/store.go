// Package conversation persists model conversation transcripts keyed by an
// opaque continuation token.
//
// Chat-completion APIs are stateless, so a backend that wants
// "previous response" semantics stores the transcript under a fresh token
// after every reply and loads it back when the token is presented again.
package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no transcript is stored under a token.
var ErrNotFound = errors.New("conversation not found")

// Message is one role-tagged transcript entry.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Store saves and loads transcripts.
type Store interface {
	Load(ctx context.Context, token string) ([]Message, error)
	Save(ctx context.Context, token string, messages []Message) error
	Delete(ctx context.Context, token string) error
	// Prune removes transcripts saved before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
