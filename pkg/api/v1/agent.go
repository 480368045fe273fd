package v1

// AgentInfo describes one installed (or known) coding agent
type AgentInfo struct {
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	Available    bool     `json:"available"`
	RequiresTTY  bool     `json:"requires_tty"`
	ConfigFormat string   `json:"config_format,omitempty"`
	ConfigPath   string   `json:"config_path,omitempty"`
	Models       []string `json:"models,omitempty"`
}
