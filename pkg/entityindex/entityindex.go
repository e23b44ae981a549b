// Package entityindex maps node ids to human-readable display names.
//
// The graph stores canonical, machine-friendly names (ScriptureVerse
// "bofm|alma|32|21"); callers that present results join them against this
// index ("Alma 32:21"). The engine never reads it.
//
// On disk the index is a YAML mapping from "Type:Name" to display name:
//
//	ScriptureVerse:bofm|alma|32|21: Alma 32:21
//	Entity:moroni: Moroni
package entityindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/relgraph/pkg/graph"
)

// Index is a concurrent id to display-name map.
type Index struct {
	mu    sync.RWMutex
	names map[graph.NodeID]string
}

// New returns an empty index.
func New() *Index {
	return &Index{names: make(map[graph.NodeID]string)}
}

// Set records the display name of id. An empty name removes the entry.
func (x *Index) Set(id graph.NodeID, name string) error {
	if !id.Valid() {
		return fmt.Errorf("entityindex: %w: %q", graph.ErrInvalidNodeID, id.String())
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if name == "" {
		delete(x.names, id)
		return nil
	}
	x.names[id] = name
	return nil
}

// Lookup returns the display name of id.
func (x *Index) Lookup(id graph.NodeID) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	name, ok := x.names[id]
	return name, ok
}

// DisplayName returns the display name of id, falling back to the last
// component of its canonical name.
func (x *Index) DisplayName(id graph.NodeID) string {
	if name, ok := x.Lookup(id); ok {
		return name
	}
	parts := id.Parts()
	return parts[len(parts)-1]
}

// Len returns the number of entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.names)
}

// Load reads the index at path. A missing file yields an empty index.
func Load(path string) (*Index, error) {
	x := New()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return x, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entityindex: read %s: %w", path, err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("entityindex: decode %s: %w", path, err)
	}
	for key, name := range raw {
		id, err := graph.ParseNodeID(key)
		if err != nil {
			return nil, fmt.Errorf("entityindex: %s: %w", path, err)
		}
		if name != "" {
			x.names[id] = name
		}
	}
	return x, nil
}

// Save writes the index to path via a temporary file and rename.
func (x *Index) Save(path string) error {
	x.mu.RLock()
	raw := make(map[string]string, len(x.names))
	for id, name := range x.names {
		raw[id.String()] = name
	}
	x.mu.RUnlock()

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("entityindex: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("entityindex: create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("entityindex: write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("entityindex: rename %s: %w", path, err)
	}
	return nil
}
