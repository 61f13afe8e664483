package mcp

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func startFakePool(t *testing.T, fleet *fakeFleet, ids ...string) *Pool {
	t.Helper()
	pool := NewPool(fakeServers(ids...), WithTransportFactory(fleet.factory), WithStopWait(time.Second))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func TestPoolStartAndCall(t *testing.T) {
	fleet := newFakeFleet(nil)
	pool := startFakePool(t, fleet, "git", "yt")

	res, err := pool.Call(context.Background(), "git", "echo", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got failure %q", res.Message())
	}
	if res.Payload()["tool"] != "echo" {
		t.Errorf("unexpected payload %v", res.Payload())
	}

	want := []string{"connect git", "connect yt"}
	if got := fleet.journal.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected start order %v, got %v", want, got)
	}
}

func TestPoolStartIsNoopWhenStarted(t *testing.T) {
	fleet := newFakeFleet(nil)
	pool := startFakePool(t, fleet, "git")

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := len(fleet.journal.snapshot()); got != 1 {
		t.Errorf("expected one connect, got %d events", got)
	}
}

func TestPoolCallLifecycleErrors(t *testing.T) {
	fleet := newFakeFleet(nil)
	pool := NewPool(fakeServers("git"), WithTransportFactory(fleet.factory))

	if _, err := pool.Call(context.Background(), "git", "echo", nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if _, err := pool.ListCapabilities(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted from ListCapabilities, got %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := pool.Call(context.Background(), "git", "echo", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := pool.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected Start after Stop to fail with ErrStopped, got %v", err)
	}
}

func TestPoolStopReverseOrderAndIdempotent(t *testing.T) {
	fleet := newFakeFleet(nil)
	pool := NewPool(fakeServers("a", "b", "c"), WithTransportFactory(fleet.factory))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	want := []string{"connect a", "connect b", "connect c", "close c", "close b", "close a"}
	if got := fleet.journal.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	for _, status := range pool.Status() {
		if status.Connected {
			t.Errorf("server %s still connected after Stop", status.ID)
		}
	}
}

func TestPoolStopIsBoundedWhenCloseHangs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fleet := newFakeFleet(func(f *fakeTransport) {
		if f.id == "b" {
			f.closeHang = release
		}
	})
	pool := NewPool(fakeServers("a", "b"), WithTransportFactory(fleet.factory), WithStopWait(50*time.Millisecond))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return within its bound")
	}

	want := []string{"connect a", "connect b", "close b", "close a"}
	if got := fleet.journal.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPoolStopBeforeStart(t *testing.T) {
	pool := NewPool(fakeServers("a"), WithTransportFactory(newFakeFleet(nil).factory))
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() on unstarted pool error = %v", err)
	}
}

func TestPoolStopConcurrent(t *testing.T) {
	fleet := newFakeFleet(nil)
	pool := NewPool(fakeServers("a", "b"), WithTransportFactory(fleet.factory))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Stop()
		}()
	}
	wg.Wait()

	closes := 0
	for _, ev := range fleet.journal.snapshot() {
		if strings.HasPrefix(ev, "close") {
			closes++
		}
	}
	if closes != 2 {
		t.Errorf("expected each session closed once, got %d closes", closes)
	}
}

func TestPoolStartAllOrNothing(t *testing.T) {
	fleet := newFakeFleet(func(f *fakeTransport) {
		if f.id == "c" {
			f.listErr = errBoom
		}
	})
	pool := NewPool(fakeServers("a", "b", "c", "d"), WithTransportFactory(fleet.factory))
	defer pool.Stop()

	err := pool.Start(context.Background())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected *LaunchError, got %v", err)
	}
	if launchErr.Server != "c" || launchErr.Stage != "list_tools" {
		t.Errorf("unexpected launch error %+v", launchErr)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("expected launch error to wrap the cause")
	}

	want := []string{"connect a", "connect b", "connect c", "close c", "close b", "close a"}
	if got := fleet.journal.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if _, err := pool.Call(context.Background(), "a", "echo", nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted after failed start, got %v", err)
	}
}

func TestPoolStartRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		servers []*ServerConfig
		want    string
	}{
		{"duplicate", append(fakeServers("a"), fakeServers("a")...), "duplicate server ID"},
		{"invalid", []*ServerConfig{{ID: "a"}}, "command is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fleet := newFakeFleet(nil)
			pool := NewPool(tt.servers, WithTransportFactory(fleet.factory))
			defer pool.Stop()

			err := pool.Start(context.Background())
			var launchErr *LaunchError
			if !errors.As(err, &launchErr) || launchErr.Stage != "config" {
				t.Fatalf("expected config launch error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %v", tt.want, err)
			}
			if len(fleet.journal.snapshot()) != 0 {
				t.Errorf("no server should be spawned on config errors")
			}
		})
	}
}

func TestPoolUnknownServerIsFailure(t *testing.T) {
	pool := startFakePool(t, newFakeFleet(nil), "git")

	res, err := pool.Call(context.Background(), "nope", "echo", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.OK() || !strings.Contains(res.Message(), `unknown MCP server "nope"`) {
		t.Errorf("expected unknown server failure, got %v", res)
	}
}

func TestPoolBackendErrorsBecomeFailures(t *testing.T) {
	fleet := newFakeFleet(func(f *fakeTransport) {
		f.handle = func(name string, args map[string]any) (*ToolCallResult, error) {
			switch name {
			case "rpc":
				return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "bad params"}
			case "transport":
				return nil, ErrServerExited
			case "flagged":
				return &ToolCallResult{IsError: true, Content: []ToolResultContent{{Type: "text", Text: "no hay datos"}}}, nil
			default:
				return &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: `{"error":"El sistema no está inicializado"}`}}}, nil
			}
		}
	})
	pool := startFakePool(t, fleet, "yt")

	tests := []struct {
		tool string
		want string
	}{
		{"rpc", "bad params"},
		{"transport", "server process exited"},
		{"flagged", "no hay datos"},
		{"error_key", "no está inicializado"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res, err := pool.Call(context.Background(), "yt", tt.tool, nil)
			if err != nil {
				t.Fatalf("Call() error = %v", err)
			}
			if res.OK() {
				t.Fatalf("expected failure, got %v", res)
			}
			if !strings.Contains(res.Message(), tt.want) {
				t.Errorf("expected message containing %q, got %q", tt.want, res.Message())
			}
		})
	}
}

type recordingNormalizer struct {
	mu       sync.Mutex
	families []string
}

func (n *recordingNormalizer) Normalize(family, tool string, args map[string]any) map[string]any {
	n.mu.Lock()
	n.families = append(n.families, family+"/"+tool)
	n.mu.Unlock()
	out := map[string]any{"normalized": true}
	for k, v := range args {
		out[k] = v
	}
	return out
}

func TestPoolNormalizesArgumentsByFamily(t *testing.T) {
	fleet := newFakeFleet(nil)
	normalizer := &recordingNormalizer{}
	servers := []*ServerConfig{
		{ID: "youtube", Command: "yt-server", Family: "yt"},
		{ID: "git", Command: "git-server"},
	}
	pool := NewPool(servers, WithTransportFactory(fleet.factory), WithNormalizer(normalizer))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer pool.Stop()

	input := map[string]any{"q": "x"}
	if _, err := pool.Call(context.Background(), "youtube", "youtube:echo", input); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if _, err := pool.Call(context.Background(), "git", "echo", nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	want := []string{"yt/echo", "git/echo"}
	if !reflect.DeepEqual(normalizer.families, want) {
		t.Errorf("expected normalizer keys %v, got %v", want, normalizer.families)
	}
	calls := fleet.transports["youtube"].recorded()
	if len(calls) != 1 || calls[0].Name != "echo" || calls[0].Arguments["normalized"] != true {
		t.Errorf("expected prefix stripped and normalized args, got %+v", calls)
	}
	if _, mutated := input["normalized"]; mutated {
		t.Error("caller args were mutated")
	}
}

func TestPoolCallsFromOneGoroutineKeepOrder(t *testing.T) {
	fleet := newFakeFleet(nil)
	pool := startFakePool(t, fleet, "git")

	for i := 0; i < 20; i++ {
		if _, err := pool.Call(context.Background(), "git", "echo", map[string]any{"i": i}); err != nil {
			t.Fatalf("Call(%d) error = %v", i, err)
		}
	}
	for i, call := range fleet.transports["git"].recorded() {
		if call.Arguments["i"] != i {
			t.Fatalf("call %d carried i=%v", i, call.Arguments["i"])
		}
	}
}

func TestPoolConcurrentCallersAreSerialized(t *testing.T) {
	fleet := newFakeFleet(func(f *fakeTransport) {
		f.handle = func(name string, args map[string]any) (*ToolCallResult, error) {
			time.Sleep(time.Millisecond)
			return echoHandler(name, args)
		}
	})
	pool := startFakePool(t, fleet, "a", "b")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		server := "a"
		if i%2 == 1 {
			server = "b"
		}
		go func(server string) {
			defer wg.Done()
			res, err := pool.Call(context.Background(), server, "echo", nil)
			if err != nil || !res.OK() {
				t.Errorf("Call() = %v, %v", res, err)
			}
		}(server)
	}
	wg.Wait()

	for id, f := range fleet.transports {
		if f.overlap.Load() {
			t.Errorf("server %s saw overlapping calls", id)
		}
		if got := len(f.recorded()); got != 10 {
			t.Errorf("server %s got %d calls, want 10", id, got)
		}
	}
}

func TestPoolListCapabilitiesAndStatus(t *testing.T) {
	pool := startFakePool(t, newFakeFleet(nil), "git", "yt")

	caps, err := pool.ListCapabilities(context.Background())
	if err != nil {
		t.Fatalf("ListCapabilities() error = %v", err)
	}
	if caps["git"]["echo"] != "Echo the arguments" || len(caps["yt"]) != 2 {
		t.Errorf("unexpected capabilities %v", caps)
	}

	// The snapshot is a copy.
	caps["git"]["echo"] = "changed"
	again, _ := pool.ListCapabilities(context.Background())
	if again["git"]["echo"] != "Echo the arguments" {
		t.Error("capability snapshot aliases pool state")
	}

	status := pool.Status()
	if len(status) != 2 || status[0].ID != "git" || !status[0].Connected || status[0].Tools != 2 {
		t.Errorf("unexpected status %+v", status)
	}
	if got := pool.Servers(); !reflect.DeepEqual(got, []string{"git", "yt"}) {
		t.Errorf("unexpected servers %v", got)
	}
	schemas := pool.ToolSchemas()
	if len(schemas) != 4 || schemas[0].ServerID != "git" || schemas[0].Name != "echo" {
		t.Errorf("unexpected schemas %+v", schemas)
	}
}

func TestPoolCallWithCancelledContext(t *testing.T) {
	pool := startFakePool(t, newFakeFleet(nil), "git")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := pool.Call(ctx, "git", "echo", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.OK() || !strings.Contains(res.Message(), "not executed") {
		t.Errorf("expected not-executed failure, got %v", res)
	}
}

func TestResolveTool(t *testing.T) {
	session := newSession(&ServerConfig{ID: "git"}, &fakeTransport{}, slogDiscard())
	for _, name := range []string{"git_add", "echo"} {
		tool := &MCPTool{Name: name}
		session.tools = append(session.tools, tool)
		session.byName[name] = tool
	}

	tests := map[string]string{
		"git_add":     "git_add",
		"git:add":     "git_add",
		"git:git_add": "git_add",
		"x:echo":      "echo",
		" echo ":      "echo",
		"unknown":     "unknown",
		"git:unknown": "unknown",
	}
	for in, want := range tests {
		if got := resolveTool(session, in); got != want {
			t.Errorf("resolveTool(%q) = %q, want %q", in, got, want)
		}
	}
}
