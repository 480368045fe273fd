// Package discovery checks which agent binaries and tool servers are
// actually present on the host.
package discovery

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sudocode-ai/sudocode/internal/agent/registry"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
)

// Availability is the detection result for one executable.
type Availability struct {
	Kind      string `json:"kind"`
	Command   string `json:"command"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
}

// LookPath reports whether an executable resolves on PATH.
func LookPath(command string) (string, bool) {
	path, err := exec.LookPath(command)
	if err != nil {
		return "", false
	}
	return path, true
}

// Detect resolves the agent's command on PATH.
func Detect(def *registry.Definition) Availability {
	path, ok := LookPath(def.Command)
	return Availability{
		Kind:      def.Kind,
		Command:   def.Command,
		Available: ok,
		Path:      path,
	}
}

// DetectAll runs Detect over every enabled agent kind.
func DetectAll(reg *registry.Registry) []Availability {
	defs := reg.List()
	out := make([]Availability, 0, len(defs))
	for _, def := range defs {
		out = append(out, Detect(def))
	}
	return out
}

// RequireAgent fails with MissingDependency when the agent binary is absent.
func RequireAgent(def *registry.Definition) error {
	if _, ok := LookPath(def.Command); !ok {
		return apierr.MissingDependency(
			"agent %q needs %q on PATH; install it or pick another agent kind",
			def.Kind, def.Command)
	}
	return nil
}

// RequireTool fails with MissingDependency when a tool server binary is
// absent.
func RequireTool(command string) error {
	if _, ok := LookPath(command); !ok {
		return apierr.MissingDependency(
			"tool server %q not found on PATH; install it so agents can reach the control plane",
			command)
	}
	return nil
}

// ExpandPath resolves ~ and environment variables in a config path.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
