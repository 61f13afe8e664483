package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/mcpmux/internal/llm/conversation"
)

// thread resolves continuation tokens for stateless chat APIs. Each reply is
// saved under a fresh token holding the whole transcript so far.
type thread struct {
	store  conversation.Store
	logger *slog.Logger
}

func newThread(store conversation.Store, logger *slog.Logger) *thread {
	if store == nil {
		store = conversation.NewMemoryStore(1024)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &thread{store: store, logger: logger}
}

// history returns the transcript behind token. Unknown tokens start a fresh
// conversation.
func (t *thread) history(ctx context.Context, token string) ([]Segment, error) {
	if token == "" {
		return nil, nil
	}
	messages, err := t.store.Load(ctx, token)
	if errors.Is(err, conversation.ErrNotFound) {
		t.logger.Warn("unknown continuation token, starting fresh", "token", token)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	segments := make([]Segment, len(messages))
	for i, m := range messages {
		segments[i] = Segment{Role: Role(m.Role), Text: m.Text}
	}
	return segments, nil
}

// save stores transcript plus the reply and returns the new token.
func (t *thread) save(ctx context.Context, transcript []Segment, reply string) (string, error) {
	messages := make([]conversation.Message, 0, len(transcript)+1)
	for _, s := range transcript {
		messages = append(messages, conversation.Message{Role: string(s.Role), Text: s.Text})
	}
	messages = append(messages, conversation.Message{Role: string(RoleAssistant), Text: reply})

	token := uuid.NewString()
	if err := t.store.Save(ctx, token, messages); err != nil {
		return "", err
	}
	return token, nil
}
