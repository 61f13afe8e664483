package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaChecker validates tool arguments against the input schemas servers
// advertise. Compiled schemas are cached per server and tool. Schemas that
// fail to compile are remembered so they are not recompiled on every call.
type schemaChecker struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
	broken   map[string]error
}

func newSchemaChecker() *schemaChecker {
	return &schemaChecker{
		compiled: make(map[string]*jsonschema.Schema),
		broken:   make(map[string]error),
	}
}

// Check validates args against schema. An empty schema always passes.
func (c *schemaChecker) Check(server, tool string, schema json.RawMessage, args map[string]any) error {
	if len(strings.TrimSpace(string(schema))) == 0 {
		return nil
	}

	compiled, err := c.compile(server+"."+tool, schema)
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}

	// Round-trip so ints and typed slices look like decoded JSON.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	return compiled.Validate(decoded)
}

func (c *schemaChecker) compile(key string, schema json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.compiled[key]; ok {
		return s, nil
	}
	if err, ok := c.broken[key]; ok {
		return nil, err
	}

	s, err := jsonschema.CompileString(key+".schema.json", string(schema))
	if err != nil {
		c.broken[key] = err
		return nil, err
	}
	c.compiled[key] = s
	return s, nil
}
