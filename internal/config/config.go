package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/mcpmux/internal/mcp"
)

// Environment variables read by Load.
const (
	EnvConfigPath   = "MCPMUX_CONFIG"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvLogLevel     = "MCPMUX_LOG_LEVEL"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config is the main configuration structure for mcpmux.
type Config struct {
	Version       int                 `yaml:"version"`
	Servers       []*mcp.ServerConfig `yaml:"servers"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Store         StoreConfig         `yaml:"store"`
	Trends        TrendsConfig        `yaml:"trends"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	// MaxAttempts bounds retries of transient backend errors.
	MaxAttempts int `yaml:"max_attempts"`
	// Timeout applies to each backend HTTP request.
	Timeout time.Duration `yaml:"timeout"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// AgentConfig bounds each chat turn.
type AgentConfig struct {
	MaxSteps         int    `yaml:"max_steps"`
	ObservationLimit int    `yaml:"observation_limit"`
	MaxOutputTokens  int    `yaml:"max_output_tokens"`
	SystemPrompt     string `yaml:"system_prompt"`
}

// StoreConfig selects where conversation history lives.
type StoreConfig struct {
	Driver     string        `yaml:"driver"` // memory | sqlite
	Path       string        `yaml:"path"`
	MaxEntries int           `yaml:"max_entries"`
	Retention  time.Duration `yaml:"retention"`
	// PruneSchedule is a cron spec for dropping expired conversations and
	// idle chat sessions.
	PruneSchedule string `yaml:"prune_schedule"`
}

type TrendsConfig struct {
	Server    string `yaml:"server"`
	StateFile string `yaml:"state_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Dir holds the per-server stderr logs and the event log.
	Dir string `yaml:"dir"`
	// EventLog is the JSONL event file. Relative paths resolve against Dir.
	EventLog string `yaml:"event_log"`
}

type ObservabilityConfig struct {
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	Insecure     bool              `yaml:"insecure"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Environment  string            `yaml:"environment"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Default returns a configuration with every default applied and no
// servers.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// DefaultPath returns $MCPMUX_CONFIG or ./mcpmux.yaml.
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return "mcpmux.yaml"
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = ProviderOpenAI
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 4
	}
	if cfg.Agent.ObservationLimit == 0 {
		cfg.Agent.ObservationLimit = 16000
	}
	if cfg.Agent.MaxOutputTokens == 0 {
		cfg.Agent.MaxOutputTokens = 700
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.MaxEntries == 0 {
		cfg.Store.MaxEntries = 1024
	}
	if cfg.Store.Retention == 0 {
		cfg.Store.Retention = 7 * 24 * time.Hour
	}
	if cfg.Trends.Server == "" {
		cfg.Trends.Server = "yt"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.EventLog == "" {
		cfg.Logging.EventLog = "events.jsonl"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Logging.Dir, "conversations.db")
	}
	if cfg.Trends.StateFile == "" {
		cfg.Trends.StateFile = filepath.Join(cfg.Logging.Dir, "trends_state.json")
	}

	for _, server := range cfg.Servers {
		if server == nil {
			continue
		}
		if server.Transport == "" {
			server.Transport = mcp.TransportStdio
		}
		if server.Transport == mcp.TransportStdio && server.StderrLog == "" && server.ID != "" {
			server.StderrLog = filepath.Join(cfg.Logging.Dir, server.ID+".mcp.err.log")
		}
	}
}

// applyEnv fills provider keys from the environment when the file leaves
// them empty.
func applyEnv(cfg *Config) {
	for name, env := range map[string]string{ProviderOpenAI: EnvOpenAIKey, ProviderAnthropic: EnvAnthropicKey} {
		key := strings.TrimSpace(os.Getenv(env))
		if key == "" {
			continue
		}
		provider := cfg.LLM.Providers[name]
		if provider.APIKey == "" {
			provider.APIKey = key
			cfg.LLM.Providers[name] = provider
		}
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.Logging.Level = level
	}
}

// EventLogPath resolves the event log location.
func (c *Config) EventLogPath() string {
	if filepath.IsAbs(c.Logging.EventLog) {
		return c.Logging.EventLog
	}
	return filepath.Join(c.Logging.Dir, c.Logging.EventLog)
}

// Provider returns the settings of the default provider.
func (c *Config) Provider() (string, LLMProviderConfig) {
	name := c.LLM.DefaultProvider
	return name, c.LLM.Providers[name]
}
