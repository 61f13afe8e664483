package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// stderrTailLines is how many stderr lines are kept for launch diagnostics.
	stderrTailLines = 20

	// readerGrace is how long Close lets the readers drain before reaping.
	readerGrace = 200 * time.Millisecond

	// readerDrainWait bounds how long Close waits for the stdout and stderr
	// readers after the process has been reaped.
	readerDrainWait = 2 * time.Second
)

// StdioTransport speaks newline-delimited JSON-RPC to a child process.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser
	sink    *os.File
	writeMu sync.Mutex

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	tailMu sync.Mutex
	tail   []string

	connected atomic.Bool
	closing   atomic.Bool
	stopChan  chan struct{}
	exited    chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(cfg *ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger.With("mcp_server", cfg.ID, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Connect spawns the server process. The process outlives ctx; it is only
// stopped by Close.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.process = exec.Command(t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}
	setProcessGroup(t.process)

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 64*1024), 16*1024*1024)

	t.stderr, err = t.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if path := t.config.StderrLog; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create stderr log dir: %w", err)
		}
		t.sink, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open stderr log: %w", err)
		}
	}

	if err := t.process.Start(); err != nil {
		t.closeSink()
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started MCP server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(2)
	go t.readLoop()
	go t.drainStderr()

	return nil
}

// Close kills the server's process group, reaps the process and releases
// the stderr sink. Reaping closes our ends of the pipes, so readers blocked on
// a pipe still held by an orphaned grandchild return as well. A second Close,
// including one racing the first, returns immediately.
func (t *StdioTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.connected.Store(false)
	close(t.stopChan)

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()

	if t.process != nil && t.process.Process != nil {
		if err := killProcessGroup(t.process); err != nil {
			t.logger.Debug("kill server process", "error", err)
		}
		// Readers normally hit EOF once the group is gone and flush the last
		// stderr lines; reaping sooner would cut them off.
		select {
		case <-drained:
		case <-time.After(readerGrace):
		}
		_ = t.process.Wait()
	}

	select {
	case <-drained:
	case <-time.After(readerDrainWait):
		// The stderr reader may still write to the sink; leave it open.
		t.logger.Warn("stdio readers did not stop in time", "wait", readerDrainWait)
		return nil
	}
	t.closeSink()
	return nil
}

// Call sends a request and waits for the matching response or the timeout.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req.Params = paramsJSON

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.RequestTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: request timeout after %v", method, timeout)
	case <-t.exited:
		return nil, fmt.Errorf("%s: %w", method, ErrServerExited)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	notif.Params = paramsJSON

	if err := t.writeLine(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// StderrTail returns the last lines the server wrote to stderr.
func (t *StdioTransport) StderrTail() string {
	t.tailMu.Lock()
	defer t.tailMu.Unlock()
	return strings.Join(t.tail, "\n")
}

func (t *StdioTransport) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// readLoop reads messages from stdout until the process exits.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.exited)
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		line := strings.TrimSpace(t.stdout.Text())
		if line == "" {
			continue
		}
		t.processLine(line)
	}

	if err := t.stdout.Err(); err != nil && !t.closing.Load() {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// processLine routes a response to its waiting caller. Server notifications
// and non-JSON noise are logged and dropped.
func (t *StdioTransport) processLine(line string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.logger.Debug("ignoring non-JSON stdout line", "line", line)
		return
	}
	if resp.ID == nil {
		var notif JSONRPCNotification
		if json.Unmarshal([]byte(line), &notif) == nil && notif.Method != "" {
			t.logger.Debug("server notification", "method", notif.Method)
		}
		return
	}

	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case string:
		if _, err := fmt.Sscan(v, &id); err != nil {
			t.logger.Warn("unexpected response ID", "id", v)
			return
		}
	default:
		t.logger.Warn("unexpected response ID type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Debug("response for unknown request", "id", id)
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}

// drainStderr appends stderr to the sink file and mirrors it at debug level.
func (t *StdioTransport) drainStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if t.sink != nil {
			_, _ = t.sink.WriteString(line + "\n")
		}
		if line == "" {
			continue
		}
		t.logger.Debug("server stderr", "message", line)

		t.tailMu.Lock()
		t.tail = append(t.tail, line)
		if len(t.tail) > stderrTailLines {
			t.tail = t.tail[len(t.tail)-stderrTailLines:]
		}
		t.tailMu.Unlock()
	}
}

func (t *StdioTransport) closeSink() {
	if t.sink != nil {
		_ = t.sink.Close()
		t.sink = nil
	}
}
