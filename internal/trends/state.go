package trends

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// State is what the client remembers about the server's working set.
type State struct {
	Keywords      []string      `json:"keywords,omitempty"`
	LastSearch    *SearchParams `json:"last_search,omitempty"`
	LastCalcLimit int           `json:"last_calc_limit,omitempty"`
}

func (s State) clone() State {
	out := State{Keywords: append([]string(nil), s.Keywords...), LastCalcLimit: s.LastCalcLimit}
	if s.LastSearch != nil {
		search := *s.LastSearch
		out.LastSearch = &search
	}
	return out
}

// StateFile stores State as JSON.
type StateFile struct {
	path string
}

// NewStateFile returns a store at path. The file is created on first save.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the file location.
func (f *StateFile) Path() string { return f.path }

// Load reads the state. A missing file is an empty state.
func (f *StateFile) Load() (State, error) {
	var st State
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read trends state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode trends state: %w", err)
	}
	return st, nil
}

// Save writes the state atomically.
func (f *StateFile) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trends state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write trends state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("write trends state: %w", err)
	}
	return nil
}
