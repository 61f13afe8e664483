package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/mcpmux/internal/mcp"
)

// parseCallRequest builds a request from "server.tool" (or "server:tool")
// and key=value arguments.
func parseCallRequest(qualifiedName string, rawArgs []string) (mcp.Request, error) {
	server, tool, err := parseQualifiedName(qualifiedName)
	if err != nil {
		return mcp.Request{}, err
	}
	args, err := parseAnyArgs(rawArgs)
	if err != nil {
		return mcp.Request{}, err
	}
	return mcp.Request{Server: server, Tool: tool, Args: args}, nil
}

func parseQualifiedName(name string) (string, string, error) {
	name = strings.TrimSpace(name)
	idx := strings.IndexAny(name, ".:")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fmt.Errorf("invalid tool name %q, expected server.tool", name)
	}
	return name[:idx], name[idx+1:], nil
}

// parseAnyArgs parses key=value arguments. Values that are valid JSON are
// decoded, everything else is kept as a string.
func parseAnyArgs(items []string) (map[string]any, error) {
	out := make(map[string]any, len(items))
	for _, item := range items {
		key, value, err := parseKeyValue(item)
		if err != nil {
			return nil, err
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out[key] = parsed
		} else {
			out[key] = value
		}
	}
	return out, nil
}

// parseKeyValue parses a single key=value string.
func parseKeyValue(item string) (string, string, error) {
	key, value, ok := strings.Cut(item, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("invalid arg %q, expected key=value", item)
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), nil
}
