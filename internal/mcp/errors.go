package mcp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotStarted is returned by Pool.Call before Start has succeeded.
	ErrNotStarted = errors.New("mcp: pool not started")

	// ErrStopped is returned by Pool operations after Stop.
	ErrStopped = errors.New("mcp: pool stopped")

	// ErrNotConnected is returned by a transport that is not connected.
	ErrNotConnected = errors.New("mcp: transport not connected")

	// ErrTransportClosed is returned for requests cut short by Close.
	ErrTransportClosed = errors.New("mcp: transport closed")

	// ErrServerExited is returned when the server process exits mid-request.
	ErrServerExited = errors.New("mcp: server process exited")
)

// LaunchError reports a server that could not be brought up during Start.
type LaunchError struct {
	Server string
	Stage  string // connect | initialize | list_tools | config
	Stderr string // tail of the server's stderr, when available
	Err    error
}

func (e *LaunchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "launch MCP server %q: %s: %v", e.Server, e.Stage, e.Err)
	if e.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
