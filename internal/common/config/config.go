// Package config provides configuration management for Atelier.
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

// Config holds all configuration sections for Atelier.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Events   EventsConfig   `mapstructure:"events"`
	Session  SessionConfig  `mapstructure:"session"`
	Provider ProviderConfig `mapstructure:"provider"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// Bus selects the bus backend: "memory" (default) or "nats".
	Bus string `mapstructure:"bus"`

	// URL is the NATS server URL; required when Bus is "nats".
	URL string `mapstructure:"url"`

	// MaxReconnects bounds NATS reconnect attempts.
	MaxReconnects int `mapstructure:"maxReconnects"`

	// InboxCapacity bounds each agent's buffered event inbox.
	// Oldest events are dropped when the inbox is full.
	InboxCapacity int `mapstructure:"inboxCapacity"`

	// ReplayCapacity bounds the critical-event replay ring.
	ReplayCapacity int `mapstructure:"replayCapacity"`
}

// SessionConfig holds session manager configuration.
type SessionConfig struct {
	// TTL is the idle lifetime of a session in seconds (default 24h).
	TTL int `mapstructure:"ttl"`

	// MaxSessions bounds the number of live sessions.
	MaxSessions int `mapstructure:"maxSessions"`

	// Directory selects the session directory backend: "memory" or "sqlite".
	Directory string `mapstructure:"directory"`

	// SQLitePath is the session directory database path when Directory is "sqlite".
	SQLitePath string `mapstructure:"sqlitePath"`
}

// ProviderConfig holds agent provider configuration.
type ProviderConfig struct {
	// Active names the providers to register, in priority-tie order.
	// Known values: process, workspace, remote, llm.
	Active []string `mapstructure:"active"`

	// AgentCmd is the child agent command for the process/workspace providers.
	AgentCmd string `mapstructure:"agentCmd"`

	// AgentArgs are the arguments passed to AgentCmd.
	AgentArgs []string `mapstructure:"agentArgs"`

	// RemoteURL is the base URL of the remote agent service.
	RemoteURL string `mapstructure:"remoteUrl"`

	// RemoteToken is the bearer token for the remote agent service.
	RemoteToken string `mapstructure:"remoteToken"`

	// MaxConcurrentAgents bounds agents running at once per provider.
	MaxConcurrentAgents int `mapstructure:"maxConcurrentAgents"`

	// PromptTimeout is the per-prompt deadline in seconds.
	PromptTimeout int `mapstructure:"promptTimeout"`
}

// LLMConfig holds configuration for the in-process LLM executor.
type LLMConfig struct {
	// Model is the primary model identifier.
	Model string `mapstructure:"model"`

	// SmallModel is the cheaper model used for fast-tier agents.
	SmallModel string `mapstructure:"smallModel"`

	// MaxTokens caps completion length.
	MaxTokens int `mapstructure:"maxTokens"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `mapstructure:"apiKeyEnv"`
}

// PipelineConfig holds orchestration pipeline configuration.
type PipelineConfig struct {
	// MaxIterations bounds build/verify waves before giving up.
	MaxIterations int `mapstructure:"maxIterations"`

	// ParallelCrafters bounds crafter agents running concurrently.
	ParallelCrafters int `mapstructure:"parallelCrafters"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	// Enabled starts the embedded MCP server exposing coordination tools.
	Enabled bool `mapstructure:"enabled"`

	// Port is the MCP server port; 0 picks a free port.
	Port int `mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	ServiceName string `mapstructure:"serviceName"`
}

// TTLDuration returns the session TTL as a time.Duration.
func (s *SessionConfig) TTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// PromptTimeoutDuration returns the prompt deadline as a time.Duration.
func (p *ProviderConfig) PromptTimeoutDuration() time.Duration {
	return time.Duration(p.PromptTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" in Kubernetes or production, console format otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ATELIER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Events defaults - empty URL means in-memory event bus
	v.SetDefault("events.bus", "memory")
	v.SetDefault("events.url", "")
	v.SetDefault("events.maxReconnects", 10)
	v.SetDefault("events.inboxCapacity", 256)
	v.SetDefault("events.replayCapacity", 1000)

	// Session defaults
	v.SetDefault("session.ttl", 86400) // 24 hours
	v.SetDefault("session.maxSessions", 64)
	v.SetDefault("session.directory", "memory")
	v.SetDefault("session.sqlitePath", defaultSQLitePath())

	// Provider defaults
	v.SetDefault("provider.active", []string{"process"})
	v.SetDefault("provider.agentCmd", "")
	v.SetDefault("provider.agentArgs", []string{})
	v.SetDefault("provider.remoteUrl", "")
	v.SetDefault("provider.remoteToken", "")
	v.SetDefault("provider.maxConcurrentAgents", 4)
	v.SetDefault("provider.promptTimeout", 300) // 5 minutes

	// LLM defaults
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.smallModel", "claude-haiku-4-5")
	v.SetDefault("llm.maxTokens", 8192)
	v.SetDefault("llm.apiKeyEnv", "ANTHROPIC_API_KEY")

	// Pipeline defaults
	v.SetDefault("pipeline.maxIterations", 3)
	v.SetDefault("pipeline.parallelCrafters", 2)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 0) // auto-assign

	// Tracing defaults
	v.SetDefault("tracing.serviceName", "atelier")
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "atelier-sessions.db"
	}
	return filepath.Join(home, ".atelier", "sessions.db")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ATELIER_ with snake_case naming.
// The config file is config.yaml in the current directory, ./config, or ~/.atelier.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ATELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env naming differs from the config key are bound here.
	_ = v.BindEnv("provider.agentCmd", "ATELIER_PROVIDER_AGENT_CMD")
	_ = v.BindEnv("provider.remoteUrl", "ATELIER_PROVIDER_REMOTE_URL")
	_ = v.BindEnv("provider.remoteToken", "ATELIER_PROVIDER_REMOTE_TOKEN")
	_ = v.BindEnv("provider.maxConcurrentAgents", "ATELIER_PROVIDER_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("provider.promptTimeout", "ATELIER_PROVIDER_PROMPT_TIMEOUT")
	_ = v.BindEnv("session.sqlitePath", "ATELIER_SESSION_SQLITE_PATH")
	_ = v.BindEnv("session.maxSessions", "ATELIER_SESSION_MAX_SESSIONS")
	_ = v.BindEnv("events.inboxCapacity", "ATELIER_EVENTS_INBOX_CAPACITY")
	_ = v.BindEnv("events.replayCapacity", "ATELIER_EVENTS_REPLAY_CAPACITY")
	_ = v.BindEnv("events.maxReconnects", "ATELIER_EVENTS_MAX_RECONNECTS")
	_ = v.BindEnv("llm.smallModel", "ATELIER_LLM_SMALL_MODEL")
	_ = v.BindEnv("llm.maxTokens", "ATELIER_LLM_MAX_TOKENS")
	_ = v.BindEnv("llm.apiKeyEnv", "ATELIER_LLM_API_KEY_ENV")
	_ = v.BindEnv("pipeline.maxIterations", "ATELIER_PIPELINE_MAX_ITERATIONS")
	_ = v.BindEnv("pipeline.parallelCrafters", "ATELIER_PIPELINE_PARALLEL_CRAFTERS")
	_ = v.BindEnv("logging.outputPath", "ATELIER_LOGGING_OUTPUT_PATH")
	_ = v.BindEnv("tracing.serviceName", "ATELIER_TRACING_SERVICE_NAME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".atelier"))
	}

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
// Most fields are optional; only internally inconsistent values are rejected.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	switch cfg.Events.Bus {
	case "memory":
	case "nats":
		if cfg.Events.URL == "" {
			errs = append(errs, "events.url is required when events.bus is nats")
		}
	default:
		errs = append(errs, "events.bus must be one of: memory, nats")
	}
	if cfg.Events.InboxCapacity <= 0 {
		errs = append(errs, "events.inboxCapacity must be positive")
	}
	if cfg.Events.ReplayCapacity <= 0 {
		errs = append(errs, "events.replayCapacity must be positive")
	}

	if cfg.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, "session.maxSessions must be positive")
	}
	switch cfg.Session.Directory {
	case "memory", "sqlite":
	default:
		errs = append(errs, "session.directory must be one of: memory, sqlite")
	}

	for _, name := range cfg.Provider.Active {
		switch name {
		case "process", "workspace", "remote", "llm":
		default:
			errs = append(errs, fmt.Sprintf("provider.active contains unknown provider %q", name))
		}
	}
	if cfg.Provider.MaxConcurrentAgents <= 0 {
		errs = append(errs, "provider.maxConcurrentAgents must be positive")
	}
	if cfg.Provider.PromptTimeout <= 0 {
		errs = append(errs, "provider.promptTimeout must be positive")
	}

	if cfg.Pipeline.MaxIterations <= 0 {
		errs = append(errs, "pipeline.maxIterations must be positive")
	}
	if cfg.Pipeline.ParallelCrafters <= 0 {
		errs = append(errs, "pipeline.parallelCrafters must be positive")
	}

	if cfg.MCP.Port < 0 || cfg.MCP.Port > 65535 {
		errs = append(errs, "mcp.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
