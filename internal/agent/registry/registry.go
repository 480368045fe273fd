// Package registry holds the known agent kinds and how to spawn each one.
// Definitions ship embedded in the binary; a JSON file can override them.
package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
)

//go:embed agents.json
var embeddedAgents []byte

// ConfigFormat is the on-disk format of an agent's per-project config file.
type ConfigFormat string

const (
	ConfigFormatJSON ConfigFormat = "json"
	ConfigFormatYAML ConfigFormat = "yaml"
)

// Definition describes one agent kind.
type Definition struct {
	// Kind is the registry key, e.g. "claude-code".
	Kind string `json:"kind"`
	// Command is the executable looked up on PATH.
	Command string `json:"command"`
	// Args are passed to the command to start it in agent (ACP) mode.
	Args []string `json:"args,omitempty"`
	// Env entries are appended to the child environment, KEY=VALUE.
	Env []string `json:"env,omitempty"`
	// RequiresTTY spawns the process under a PTY instead of pipes.
	RequiresTTY bool `json:"requires_tty,omitempty"`
	// ConfigFile is the user-level config path the MCP injector inspects,
	// with ~ meaning the home directory.
	ConfigFile string `json:"config_file,omitempty"`
	// ConfigFormat is the encoding of ConfigFile.
	ConfigFormat ConfigFormat `json:"config_format,omitempty"`
	// McpServersKey is the top-level key listing MCP servers in ConfigFile.
	McpServersKey string `json:"mcp_servers_key,omitempty"`
	// ProjectConfigPaths are project-relative files copied into worktrees.
	ProjectConfigPaths []string `json:"project_config_paths,omitempty"`
	// Enabled gates the kind without removing its definition.
	Enabled bool `json:"enabled"`
}

// Registry maps agent kinds to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// Load builds a registry from the embedded definitions.
func Load() (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition)}
	if err := r.loadJSON(embeddedAgents); err != nil {
		return nil, fmt.Errorf("embedded agent definitions: %w", err)
	}
	return r, nil
}

// LoadWithOverrides builds a registry from the embedded definitions, then
// applies definitions from the JSON file at path if it exists.
func LoadWithOverrides(path string) (*Registry, error) {
	r, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	if err := r.loadJSON(data); err != nil {
		return nil, fmt.Errorf("agent definitions %s: %w", path, err)
	}
	return r, nil
}

func (r *Registry) loadJSON(data []byte) error {
	var file struct {
		Agents []*Definition `json:"agents"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range file.Agents {
		if def.Kind == "" || def.Command == "" {
			return fmt.Errorf("agent definition needs kind and command")
		}
		r.defs[def.Kind] = def
	}
	return nil
}

// Get returns the definition for a kind.
func (r *Registry) Get(kind string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[kind]
	if !ok || !def.Enabled {
		return nil, apierr.Validation("unknown agent kind %q", kind)
	}
	return def, nil
}

// Exists reports whether a kind is registered and enabled.
func (r *Registry) Exists(kind string) bool {
	_, err := r.Get(kind)
	return err == nil
}

// List returns all enabled definitions.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		if def.Enabled {
			out = append(out, def)
		}
	}
	return out
}

// ProjectConfigPaths unions the per-project config files of all enabled
// agents, for worktree propagation.
func (r *Registry) ProjectConfigPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, def := range r.defs {
		if !def.Enabled {
			continue
		}
		for _, p := range def.ProjectConfigPaths {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
