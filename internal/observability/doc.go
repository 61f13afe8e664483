// Package observability carries the ambient telemetry of mcpmux: structured
// logging with secret redaction, a JSONL audit trail of chat traffic,
// Prometheus metrics and OpenTelemetry tracing.
//
// # Logging
//
// NewLogger returns a plain *slog.Logger whose handler scrubs API keys,
// bearer tokens and passwords from messages and attributes before they are
// written:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "debug",
//	    Format: "text",
//	})
//	logger.With("component", "pool").Info("server started", "server", "git")
//
// # Event log
//
// EventLog appends one JSON object per line for every chat request, reply,
// tool call and failure. Sensitive keys are redacted before the record is
// encoded:
//
//	events, err := observability.OpenEventLog("logs/events.jsonl")
//	events.Log(ctx, observability.Event{Kind: "chat.request", SessionID: id, Data: map[string]any{"text": msg}})
//
// # Metrics
//
// Metrics registers its collectors on the Registerer it is given, so tests
// can pass prometheus.NewRegistry(). All methods are safe on a nil *Metrics.
//
// # Tracing
//
// NewTracer installs an OTLP/gRPC exporter when an endpoint is configured and
// otherwise hands out spans from the global no-op provider.
package observability
