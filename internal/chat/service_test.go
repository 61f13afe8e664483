package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/mcpmux/internal/llm"
	"github.com/haasonsaas/mcpmux/internal/mcp"
	"github.com/haasonsaas/mcpmux/internal/observability"
)

type fakeTools struct {
	catalog map[string]map[string]string
	listErr error
	calls   []mcp.Request
}

func (f *fakeTools) Call(ctx context.Context, server, tool string, args map[string]any) (mcp.Result, error) {
	f.calls = append(f.calls, mcp.Request{Server: server, Tool: tool, Args: args})
	return mcp.Success(map[string]any{"content": "README"}), nil
}

func (f *fakeTools) ListCapabilities(ctx context.Context) (map[string]map[string]string, error) {
	return f.catalog, f.listErr
}

func newTools() *fakeTools {
	return &fakeTools{catalog: map[string]map[string]string{
		"git": {"git_status": "Show status", "git_add": "Stage files"},
		"fs":  {"read_file": "Read a file"},
	}}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		out = append(out, record)
	}
	return out
}

func TestAskKeepsPerSessionTokens(t *testing.T) {
	model := llm.NewScripted(llm.Reply{Text: "hola A"}, llm.Reply{Text: "hola B"}, llm.Reply{Text: "again A"})
	svc, err := New(context.Background(), model, newTools(), WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if got := svc.Ask(ctx, "a", "hi"); got != "hola A" {
		t.Errorf("Ask(a) = %q", got)
	}
	if got := svc.Ask(ctx, "b", "hi"); got != "hola B" {
		t.Errorf("Ask(b) = %q", got)
	}
	if got := svc.Ask(ctx, "a", "more"); got != "again A" {
		t.Errorf("Ask(a) = %q", got)
	}

	reqs := model.Requests()
	if reqs[1].Token != "" {
		t.Errorf("session b inherited token %q", reqs[1].Token)
	}
	if reqs[2].Token != "scripted-1" {
		t.Errorf("session a token = %q, want scripted-1", reqs[2].Token)
	}
	if !strings.Contains(reqs[0].Segments[0].Text, "Available tools:\n- fs:read_file\n- git:git_add") {
		t.Errorf("system prompt missing catalog: %q", reqs[0].Segments[0].Text)
	}

	sessions := svc.Sessions()
	if len(sessions) != 2 || sessions[0].ID != "a" || sessions[0].Turns != 2 {
		t.Errorf("Sessions() = %+v", sessions)
	}
}

func TestAskRunsTools(t *testing.T) {
	tools := newTools()
	model := llm.NewScripted(
		llm.Reply{Text: `{"action":"tool_call","server":"fs","tool":"read_file","args":{"path":"README.md"}}`},
		llm.Reply{Text: "The file says README."},
	)
	svc, err := New(context.Background(), model, tools, WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.Ask(context.Background(), "s", "read the readme"); got != "The file says README." {
		t.Errorf("Ask() = %q", got)
	}
	if len(tools.calls) != 1 || tools.calls[0].String() != "fs.read_file" {
		t.Errorf("calls = %v", tools.calls)
	}
}

func TestAskListTools(t *testing.T) {
	model := llm.NewScripted()
	var buf bytes.Buffer
	svc, err := New(context.Background(), model, newTools(), WithLogger(quiet()), WithEventLog(observability.NewEventLog(&buf)))
	if err != nil {
		t.Fatal(err)
	}

	want := "[fs]\n- read_file: Read a file\n[git]\n- git_add: Stage files\n- git_status: Show status"
	for _, text := range []string{"list tools", "por favor LISTA herramientas"} {
		if got := svc.Ask(context.Background(), "s", text); got != want {
			t.Errorf("Ask(%q) = %q, want %q", text, got, want)
		}
	}
	if len(model.Requests()) != 0 {
		t.Errorf("model was called %d times", len(model.Requests()))
	}

	recs := records(t, &buf)
	if len(recs) != 4 {
		t.Fatalf("expected 4 events, got %d", len(recs))
	}
	if recs[0]["channel"] != "system" || recs[0]["kind"] != "info" || recs[0]["session_id"] != "s" {
		t.Errorf("first event = %v", recs[0])
	}
	if recs[1]["kind"] != "response" || recs[1]["data"].(map[string]any)["answer"] != want {
		t.Errorf("response event = %v", recs[1])
	}
}

func TestAskRendersModelErrors(t *testing.T) {
	model := llm.NewScripted(llm.Reply{Err: errors.New("rate limited")}, llm.Reply{Text: "ok"})
	var buf bytes.Buffer
	svc, err := New(context.Background(), model, newTools(), WithLogger(quiet()), WithEventLog(observability.NewEventLog(&buf)))
	if err != nil {
		t.Fatal(err)
	}

	got := svc.Ask(context.Background(), "s", "hi")
	if got != "ERROR: model request failed: rate limited" {
		t.Errorf("Ask() = %q", got)
	}
	kinds := []string{}
	for _, rec := range records(t, &buf) {
		kinds = append(kinds, rec["kind"].(string))
	}
	if strings.Join(kinds, ",") != "info,response_error,response" {
		t.Errorf("event kinds = %v", kinds)
	}

	if got := svc.Ask(context.Background(), "s", "hi again"); got != "ok" {
		t.Errorf("Ask() after error = %q", got)
	}
	if tok := model.Requests()[1].Token; tok != "" {
		t.Errorf("token after error = %q, want reset", tok)
	}
}

func TestResetAndEnd(t *testing.T) {
	model := llm.NewScripted(llm.Reply{Text: "1"}, llm.Reply{Text: "2"})
	svc, err := New(context.Background(), model, newTools(), WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	svc.Ask(ctx, "s", "one")
	svc.Reset("s")
	svc.Reset("unknown")
	svc.Ask(ctx, "s", "two")
	if tok := model.Requests()[1].Token; tok != "" {
		t.Errorf("token after Reset = %q", tok)
	}
	if turns := svc.Sessions()[0].Turns; turns != 1 {
		t.Errorf("turns after Reset = %d", turns)
	}

	svc.End("s")
	if n := len(svc.Sessions()); n != 0 {
		t.Errorf("sessions after End = %d", n)
	}
}

func TestPruneIdle(t *testing.T) {
	model := llm.NewScripted(llm.Reply{Text: "1"}, llm.Reply{Text: "2"})
	svc, err := New(context.Background(), model, newTools(), WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	svc.Ask(context.Background(), "old", "x")
	now = now.Add(time.Hour)
	svc.Ask(context.Background(), "new", "x")

	if n := svc.PruneIdle(30 * time.Minute); n != 1 {
		t.Fatalf("PruneIdle() = %d, want 1", n)
	}
	if sessions := svc.Sessions(); len(sessions) != 1 || sessions[0].ID != "new" {
		t.Errorf("Sessions() = %+v", sessions)
	}
}

func TestNewCatalogError(t *testing.T) {
	tools := newTools()
	tools.listErr = mcp.ErrNotStarted
	if _, err := New(context.Background(), llm.NewScripted(), tools); !errors.Is(err, mcp.ErrNotStarted) {
		t.Fatalf("New() error = %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("ñandú", 3); got != "ñan" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("ok", 3); got != "ok" {
		t.Errorf("truncate() = %q", got)
	}
}
