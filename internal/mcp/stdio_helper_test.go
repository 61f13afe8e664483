package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const (
	helperEnv     = "MCPMUX_TEST_HELPER_SERVER"
	helperModeEnv = "MCPMUX_TEST_HELPER_MODE"
)

// TestMain doubles as a tiny MCP server when re-executed by the stdio tests.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperServer(os.Getenv(helperModeEnv)))
	}
	os.Exit(m.Run())
}

func runHelperServer(mode string) int {
	fmt.Fprintln(os.Stderr, "helper ready")
	if mode == "crash" {
		fmt.Fprintln(os.Stderr, "fatal: YOUTUBE_API_KEY is not set")
		return 3
	}

	out := bufio.NewWriter(os.Stdout)
	reply := func(id any, result any) {
		data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
		out.Write(append(data, '\n'))
		out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req JSONRPCRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.ID == nil {
			continue
		}
		switch req.Method {
		case "initialize":
			// Noise on stdout must not break the session.
			fmt.Fprintln(out, "starting helper...")
			reply(req.ID, map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      map[string]any{"name": "helper", "version": "0.1"},
			})
		case "tools/list":
			reply(req.ID, map[string]any{"tools": []map[string]any{
				{"name": "echo", "description": "Echo arguments", "inputSchema": map[string]any{"type": "object"}},
				{"name": "fail", "description": "Always fails"},
				{"name": "hang", "description": "Never answers"},
			}})
		case "tools/call":
			var params CallToolParams
			_ = json.Unmarshal(req.Params, &params)
			switch params.Name {
			case "echo":
				text, _ := json.Marshal(params.Arguments)
				reply(req.ID, map[string]any{"content": []map[string]any{{"type": "text", "text": string(text)}}})
			case "fail":
				fmt.Fprintln(os.Stderr, "fail tool invoked")
				reply(req.ID, map[string]any{"isError": true, "content": []map[string]any{{"type": "text", "text": "boom"}}})
			case "hang":
			}
		}
	}
	return 0
}

func helperConfig(t *testing.T, id, mode string) *ServerConfig {
	t.Helper()
	return &ServerConfig{
		ID:        id,
		Command:   os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       map[string]string{helperEnv: "1", helperModeEnv: mode},
		StderrLog: filepath.Join(t.TempDir(), id+".mcp.err.log"),
		Timeout:   2 * time.Second,
	}
}

func TestStdioPoolEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	cfg := helperConfig(t, "helper", "")
	pool := NewPool([]*ServerConfig{cfg}, WithStopWait(2*time.Second))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res, err := pool.Call(context.Background(), "helper", "echo", map[string]any{"msg": "hola"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !res.OK() || res.Payload()["msg"] != "hola" {
		t.Fatalf("unexpected echo result %v", res)
	}

	res, _ = pool.Call(context.Background(), "helper", "fail", nil)
	if res.OK() || res.Message() != "boom" {
		t.Fatalf("expected failure boom, got %v", res)
	}

	res, _ = pool.Call(context.Background(), "helper", "hang", nil)
	if res.OK() || !strings.Contains(res.Message(), "timeout") {
		t.Fatalf("expected timeout failure, got %v", res)
	}

	status := pool.Status()
	if !status[0].Connected || status[0].Server.Name != "helper" || status[0].Tools != 3 {
		t.Errorf("unexpected status %+v", status[0])
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	data, err := os.ReadFile(cfg.StderrLog)
	if err != nil {
		t.Fatalf("read stderr log: %v", err)
	}
	if !strings.Contains(string(data), "helper ready") || !strings.Contains(string(data), "fail tool invoked") {
		t.Errorf("stderr log missing expected lines: %q", data)
	}
}

func TestStdioLaunchFailureRollsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	good := helperConfig(t, "good", "")
	bad := helperConfig(t, "bad", "crash")
	pool := NewPool([]*ServerConfig{good, bad}, WithStopWait(2*time.Second))
	defer pool.Stop()

	err := pool.Start(context.Background())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected *LaunchError, got %v", err)
	}
	if launchErr.Server != "bad" || launchErr.Stage != "initialize" {
		t.Errorf("unexpected launch error %+v", launchErr)
	}

	for _, status := range pool.Status() {
		if status.Connected {
			t.Errorf("server %s left running after failed start", status.ID)
		}
	}
}

func TestStdioLaunchFailureMissingBinary(t *testing.T) {
	cfg := &ServerConfig{ID: "ghost", Command: filepath.Join(t.TempDir(), "does-not-exist")}
	pool := NewPool([]*ServerConfig{cfg})
	defer pool.Stop()

	err := pool.Start(context.Background())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Stage != "connect" {
		t.Fatalf("expected connect launch error, got %v", err)
	}
}

func TestStdioStopWithLauncherGrandchild(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	// The backgrounded sleep inherits stdout and stderr and outlives the
	// server unless the whole process group is killed.
	cfg := helperConfig(t, "launched", "")
	cfg.Command = sh
	cfg.Args = []string{"-c", `sleep 30 & exec "$0" -test.run=^$`, os.Args[0]}

	pool := NewPool([]*ServerConfig{cfg}, WithStopWait(time.Second))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, err := pool.Call(context.Background(), "launched", "echo", map[string]any{"ok": true})
	if err != nil || !res.OK() {
		t.Fatalf("Call() = %v, %v", res, err)
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- pool.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop() still blocked after %v", time.Since(start))
	}
}
