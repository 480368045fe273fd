// Package mcpconfig decides whether the control plane's tool server must be
// injected into an execution's MCP server list.
//
// Agents keep their own user-level config that may already register the
// server; injecting a second copy would start a duplicate process per
// session. Detection is best effort: an unreadable or unparsable config is
// treated as "assume configured" so a broken user file never blocks
// executions.
package mcpconfig

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/agent/discovery"
	"github.com/sudocode-ai/sudocode/internal/agent/registry"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
)

// Injector prepares the per-execution MCP server list.
type Injector struct {
	// ServerName is the well-known entry name, normally "sudocode-mcp".
	ServerName string
	// Command is the tool server binary, normally "sudocode-mcp".
	Command string
	logger  *logger.Logger
}

// NewInjector builds an injector for the named tool server.
func NewInjector(serverName, command string, log *logger.Logger) *Injector {
	if log == nil {
		log = logger.Default()
	}
	return &Injector{ServerName: serverName, Command: command, logger: log}
}

// Prepare returns the MCP servers for an execution, appending the
// control-plane entry unless the user's agent config already registers it.
// When injection is needed but the binary is not discoverable, Prepare
// fails with MissingDependency.
func (i *Injector) Prepare(def *registry.Definition, requested []v1.McpServerEntry) ([]v1.McpServerEntry, error) {
	servers := append([]v1.McpServerEntry(nil), requested...)
	for _, s := range servers {
		if s.Name == i.ServerName {
			return servers, nil
		}
	}
	if i.userConfigRegisters(def) {
		return servers, nil
	}
	if err := discovery.RequireTool(i.Command); err != nil {
		return nil, err
	}
	servers = append(servers, v1.McpServerEntry{
		Name:    i.ServerName,
		Command: i.Command,
	})
	return servers, nil
}

// userConfigRegisters inspects the agent's user-level config file for the
// tool server. Missing file means "not registered"; a file we cannot read
// or parse means "assume configured".
func (i *Injector) userConfigRegisters(def *registry.Definition) bool {
	if def == nil || def.ConfigFile == "" || def.McpServersKey == "" {
		return false
	}
	path := discovery.ExpandPath(def.ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		i.logger.Warn("agent config unreadable, assuming tool server configured")
		return true
	}

	var doc map[string]any
	switch def.ConfigFormat {
	case registry.ConfigFormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		i.logger.Warn("agent config unparsable, assuming tool server configured")
		return true
	}

	servers, ok := doc[def.McpServersKey].(map[string]any)
	if !ok {
		return false
	}
	_, registered := servers[i.ServerName]
	return registered
}
