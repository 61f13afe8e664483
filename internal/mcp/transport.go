package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Transport moves JSON-RPC messages to and from one MCP server.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection. It is safe to call more than once.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// TransportFactory builds the transport for one server.
type TransportFactory func(cfg *ServerConfig, logger *slog.Logger) Transport

// NewTransport creates a new transport based on the server configuration.
func NewTransport(cfg *ServerConfig, logger *slog.Logger) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg, logger)
	default:
		return NewStdioTransport(cfg, logger)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
