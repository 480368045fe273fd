// Package config provides configuration management for sudocode.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for sudocode.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Project   ProjectConfig   `mapstructure:"project"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Process   ProcessConfig   `mapstructure:"process"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds the embedded store configuration.
// Driver is "sqlite3" (default, file under the project dot-directory) or "pgx"
// for a PostgreSQL-backed deployment.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file; empty means <dotdir>/sudocode.db
	DSN      string `mapstructure:"dsn"`  // postgres DSN when driver=pgx
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProjectConfig locates the project the control plane operates on.
type ProjectConfig struct {
	Root   string `mapstructure:"root"`   // repository root; default: current directory
	DotDir string `mapstructure:"dotDir"` // record directory name under the root
}

// WorktreeConfig holds git worktree configuration for stream isolation.
type WorktreeConfig struct {
	BasePath     string `mapstructure:"basePath"`     // default: <dotdir>/worktrees
	BranchPrefix string `mapstructure:"branchPrefix"` // prefix for stream branches
	MaxPerRepo   int    `mapstructure:"maxPerRepo"`
}

// AgentConfig holds agent session configuration.
type AgentConfig struct {
	DefaultKind     string `mapstructure:"defaultKind"`
	SessionPoolSize int    `mapstructure:"sessionPoolSize"` // concurrent agent sessions
	IdleTimeoutMs   int    `mapstructure:"idleTimeoutMs"`   // 0 disables the idle timer
	EndOnDisconnect bool   `mapstructure:"endOnDisconnect"`
	McpServerName   string `mapstructure:"mcpServerName"`
	McpCommand      string `mapstructure:"mcpCommand"`
}

// ProcessConfig holds subprocess supervision configuration.
type ProcessConfig struct {
	DefaultTimeout int `mapstructure:"defaultTimeout"` // seconds; 0 means no timeout
	GracePeriod    int `mapstructure:"gracePeriod"`    // seconds between SIGTERM and SIGKILL
	SpawnTimeout   int `mapstructure:"spawnTimeout"`   // seconds to wait for a pid
}

// SyncConfig holds sync engine configuration.
type SyncConfig struct {
	DefaultStrategy string `mapstructure:"defaultStrategy"` // squash, preserve, stage
	SafetyTagPrefix string `mapstructure:"safetyTagPrefix"`
	CascadeEnabled  bool   `mapstructure:"cascadeEnabled"`
}

// QueueConfig holds merge queue configuration.
type QueueConfig struct {
	Enabled bool `mapstructure:"enabled"`
	MaxSize int  `mapstructure:"maxSize"`
}

// TelemetryConfig holds telemetry sink configuration.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Endpoint     string `mapstructure:"endpoint"`     // PostHog endpoint override
	OTLPEndpoint string `mapstructure:"otlpEndpoint"` // empty disables trace export
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeoutDuration returns the process timeout as a time.Duration.
func (p *ProcessConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(p.DefaultTimeout) * time.Second
}

// GracePeriodDuration returns the kill grace period as a time.Duration.
func (p *ProcessConfig) GracePeriodDuration() time.Duration {
	return time.Duration(p.GracePeriod) * time.Second
}

// SpawnTimeoutDuration returns the spawn timeout as a time.Duration.
func (p *ProcessConfig) SpawnTimeoutDuration() time.Duration {
	return time.Duration(p.SpawnTimeout) * time.Second
}

// IdleTimeout returns the persistent-session idle timeout; zero disables it.
func (a *AgentConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutMs) * time.Millisecond
}

// ConfigDir returns the directory holding installation-wide state. The
// SUDOCODE_CONFIG_DIR environment variable overrides the XDG default.
func ConfigDir() string {
	if dir := os.Getenv("SUDOCODE_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sudocode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sudocode-config"
	}
	return filepath.Join(home, ".config", "sudocode")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SUDOCODE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8321)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - sqlite file lives under the project dot-directory
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sudocode-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Project defaults
	v.SetDefault("project.root", ".")
	v.SetDefault("project.dotDir", ".sudocode")

	// Worktree defaults
	v.SetDefault("worktree.basePath", "")
	v.SetDefault("worktree.branchPrefix", "sudocode/")
	v.SetDefault("worktree.maxPerRepo", 32)

	// Agent defaults
	v.SetDefault("agent.defaultKind", "claude-code")
	v.SetDefault("agent.sessionPoolSize", 4)
	v.SetDefault("agent.idleTimeoutMs", 0)
	v.SetDefault("agent.endOnDisconnect", false)
	v.SetDefault("agent.mcpServerName", "sudocode-mcp")
	v.SetDefault("agent.mcpCommand", "sudocode-mcp")

	// Process defaults
	v.SetDefault("process.defaultTimeout", 0)
	v.SetDefault("process.gracePeriod", 5)
	v.SetDefault("process.spawnTimeout", 10)

	// Sync defaults
	v.SetDefault("sync.defaultStrategy", "squash")
	v.SetDefault("sync.safetyTagPrefix", "sudocode-safety")
	v.SetDefault("sync.cascadeEnabled", true)

	// Queue defaults
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.maxSize", 100)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.otlpEndpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SUDOCODE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or the installation config directory (see ConfigDir).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SUDOCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("project.root", "SUDOCODE_PROJECT_ROOT")
	_ = v.BindEnv("project.dotDir", "SUDOCODE_PROJECT_DOT_DIR")
	_ = v.BindEnv("store.maxConns", "SUDOCODE_STORE_MAX_CONNS")
	_ = v.BindEnv("agent.defaultKind", "SUDOCODE_AGENT_DEFAULT_KIND")
	_ = v.BindEnv("agent.sessionPoolSize", "SUDOCODE_AGENT_SESSION_POOL_SIZE")
	_ = v.BindEnv("sync.cascadeEnabled", "SUDOCODE_SYNC_CASCADE_ENABLED")
	_ = v.BindEnv("telemetry.otlpEndpoint", "SUDOCODE_TELEMETRY_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(ConfigDir())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Driver {
	case "sqlite3":
	case "pgx":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required when store.driver is pgx")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite3, pgx")
	}

	if cfg.Agent.SessionPoolSize <= 0 {
		errs = append(errs, "agent.sessionPoolSize must be positive")
	}
	if cfg.Process.GracePeriod <= 0 {
		errs = append(errs, "process.gracePeriod must be positive")
	}
	if cfg.Process.SpawnTimeout <= 0 {
		errs = append(errs, "process.spawnTimeout must be positive")
	}

	switch cfg.Sync.DefaultStrategy {
	case "squash", "preserve", "stage":
	default:
		errs = append(errs, "sync.defaultStrategy must be one of: squash, preserve, stage")
	}

	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.maxSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
