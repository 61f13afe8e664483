package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// CurrentVersion is the config file version this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another version.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	if e.Newer() {
		return fmt.Sprintf("config version %d needs a newer mcpmux (this build reads version %d)", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is not supported; set `version: %d`", e.Version, CurrentVersion)
}

// Newer reports whether the file comes from a newer release.
func (e *VersionError) Newer() bool {
	return e != nil && e.Version > CurrentVersion
}

func checkVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version}
	}
	return nil
}

// LoadRaw reads a configuration file into a merged raw map. $include entries
// (a path, glob or list of them, relative to the including file) are loaded
// first and the including file is merged on top. Server lists are merged by
// id instead of replaced, so a fleet can be split across files.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return loadRawRecursive(path, map[string]bool{})
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRawBytes([]byte(os.ExpandEnv(string(data))), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		paths, err := resolveInclude(filepath.Dir(absPath), inc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", absPath, err)
		}
		for _, incPath := range paths {
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, incRaw)
		}
	}
	return mergeMaps(merged, raw), nil
}

// resolveInclude expands one include entry. Globs match in lexical order and
// may match nothing; plain paths must exist.
func resolveInclude(baseDir, inc string) ([]string, error) {
	inc = strings.TrimSpace(inc)
	if inc == "" {
		return nil, nil
	}
	if !filepath.IsAbs(inc) {
		inc = filepath.Join(baseDir, inc)
	}
	if !strings.ContainsAny(inc, "*?[") {
		return []string{inc}, nil
	}
	matches, err := filepath.Glob(inc)
	if err != nil {
		return nil, fmt.Errorf("include %q: %w", inc, err)
	}
	sort.Strings(matches)
	return matches, nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil && err != io.EOF {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single YAML document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok || val == nil {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// mergeMaps merges src into dst. Nested maps merge recursively, the servers
// list merges by id, everything else is replaced.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		if key == "servers" {
			if existing, ok := dst[key].([]any); ok {
				if list, ok := value.([]any); ok {
					dst[key] = mergeServers(existing, list)
					continue
				}
			}
		}
		dst[key] = value
	}
	return dst
}

// mergeServers appends src to dst; an entry whose id already exists replaces
// it in place.
func mergeServers(dst, src []any) []any {
	out := append([]any(nil), dst...)
	index := make(map[string]int, len(out))
	for i, entry := range out {
		if id := serverID(entry); id != "" {
			index[id] = i
		}
	}
	for _, entry := range src {
		id := serverID(entry)
		if i, ok := index[id]; ok && id != "" {
			out[i] = entry
			continue
		}
		if id != "" {
			index[id] = len(out)
		}
		out = append(out, entry)
	}
	return out
}

func serverID(entry any) string {
	m, ok := entry.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

// decodeRawConfig decodes the merged map into Config, rejecting unknown
// fields. A file from a newer release fails on its version first, since
// the fields it adds are unknown here.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	if v, ok := rawVersion(raw); ok && v > CurrentVersion {
		return nil, &VersionError{Version: v}
	}
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// rawVersion reads the version key as decoded by YAML (int) or JSON5
// (float64).
func rawVersion(raw map[string]any) (int, bool) {
	switch v := raw["version"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
