package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one audit record in the JSONL event log.
type Event struct {
	ID        string
	Time      time.Time
	Channel   string
	Kind      string
	SessionID string
	Turn      int
	Data      map[string]any
}

// EventLog appends redacted events as JSON lines.
type EventLog struct {
	mu     sync.Mutex
	logger *slog.Logger
	closer io.Closer
	now    func() time.Time
}

// OpenEventLog opens (creating parent directories) a JSONL file for appending.
func OpenEventLog(path string) (*EventLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	log := NewEventLog(f)
	log.closer = f
	return log, nil
}

// NewEventLog writes events to w. The caller keeps ownership of w.
func NewEventLog(w io.Writer) *EventLog {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// The event carries its own timestamp and there is no level.
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
				return slog.Attr{}
			}
			if len(groups) == 0 && a.Key == slog.MessageKey {
				a.Key = "kind"
			}
			return a
		},
	})
	return &EventLog{logger: slog.New(handler), now: time.Now}
}

// Log writes one event. Missing IDs, timestamps and session/turn fields are
// filled from the context. Writing to a nil log is a no-op.
func (l *EventLog) Log(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = l.now()
	}
	if ev.SessionID == "" {
		ev.SessionID = GetSessionID(ctx)
	}
	if ev.Turn == 0 {
		ev.Turn = GetTurn(ctx)
	}
	if ev.Channel == "" {
		ev.Channel = "cli"
	}

	attrs := []any{
		"id", ev.ID,
		"ts", ev.Time.UTC().Format(time.RFC3339Nano),
		"channel", ev.Channel,
	}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.Turn > 0 {
		attrs = append(attrs, "turn", ev.Turn)
	}
	if len(ev.Data) > 0 {
		attrs = append(attrs, "data", RedactMap(ev.Data, nil))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Log(context.Background(), slog.LevelInfo, ev.Kind, attrs...)
}

// Close closes the underlying file when the log was opened by OpenEventLog.
func (l *EventLog) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
