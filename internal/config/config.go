package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 4096
	DefaultTemperature       = 0.7
	DefaultCompletionTimeout = 120 // seconds
	DefaultListenerMode      = "direct"
	DefaultDedupeWindow      = 512 // message IDs remembered
	DefaultWorkerPoll        = "2s"
	DefaultWorkerMaxRetries  = 3
	DefaultWorkerConcurrency = 4
	DefaultWorkingMaxEntries = 200
	DefaultWorkingMaxAgeDays = 14
	DefaultPostRetries       = 3
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Platform PlatformConfig `json:"platform"`
	Listener ListenerConfig `json:"listener"`
	Worker   WorkerConfig   `json:"worker"`
	Memory   MemoryConfig   `json:"memory"`
	Inbox    InboxConfig    `json:"inbox"`
}

type AgentConfig struct {
	Workspace         string  `json:"workspace"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	CompletionTimeout int     `json:"completionTimeout"` // seconds per LLM call
}

type ProviderConfig struct {
	// Type selects the completion backend: "anthropic" (default), "openai"
	// (both via the agent runtime) or "openai-chat" (plain chat completions).
	Type    string `json:"type,omitempty"`
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type PlatformConfig struct {
	BaseURL   string   `json:"baseUrl"`
	Token     string   `json:"token"`
	BotUserID string   `json:"botUserId,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

type ListenerConfig struct {
	Mode         string `json:"mode"` // "direct" or "bridged"
	DedupeWindow int    `json:"dedupeWindow,omitempty"`
}

type WorkerConfig struct {
	PollInterval string `json:"pollInterval,omitempty"`
	MaxRetries   int    `json:"maxRetries,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
}

type MemoryConfig struct {
	DBPath            string `json:"dbPath,omitempty"`
	WorkingMaxEntries int    `json:"workingMaxEntries,omitempty"`
	WorkingMaxAgeDays int    `json:"workingMaxAgeDays,omitempty"`
}

type InboxConfig struct {
	Path string `json:"path,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".wisp", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			CompletionTimeout: DefaultCompletionTimeout,
		},
		Provider: ProviderConfig{},
		Platform: PlatformConfig{},
		Listener: ListenerConfig{
			Mode:         DefaultListenerMode,
			DedupeWindow: DefaultDedupeWindow,
		},
		Worker: WorkerConfig{
			PollInterval: DefaultWorkerPoll,
			MaxRetries:   DefaultWorkerMaxRetries,
			Concurrency:  DefaultWorkerConcurrency,
		},
		Memory: MemoryConfig{
			WorkingMaxEntries: DefaultWorkingMaxEntries,
			WorkingMaxAgeDays: DefaultWorkingMaxAgeDays,
		},
		Inbox: InboxConfig{},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".wisp")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// MemoryDBPath resolves the sqlite path, defaulting under the config dir.
func (c *Config) MemoryDBPath() string {
	if c.Memory.DBPath != "" {
		return c.Memory.DBPath
	}
	return filepath.Join(ConfigDir(), "data", "memory.db")
}

// InboxPath resolves the inbox log path, defaulting under the config dir.
func (c *Config) InboxPath() string {
	if c.Inbox.Path != "" {
		return c.Inbox.Path
	}
	return filepath.Join(ConfigDir(), "data", "inbox.ndjson")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("WISP_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("WISP_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("WISP_PLATFORM_URL"); url != "" {
		cfg.Platform.BaseURL = url
	}
	if token := os.Getenv("WISP_PLATFORM_TOKEN"); token != "" {
		cfg.Platform.Token = token
	}
	if mode := os.Getenv("WISP_LISTENER_MODE"); mode != "" {
		cfg.Listener.Mode = mode
	}
	if path := os.Getenv("WISP_INBOX_PATH"); path != "" {
		cfg.Inbox.Path = path
	}
	if path := os.Getenv("WISP_MEMORY_DB"); path != "" {
		cfg.Memory.DBPath = path
	}
	if v := os.Getenv("WISP_WORKER_CONCURRENCY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Worker.Concurrency = parsed
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes derived fields and rejects unusable values.
func (c *Config) Validate() error {
	switch c.Listener.Mode {
	case "direct", "bridged":
	case "":
		c.Listener.Mode = DefaultListenerMode
	default:
		return fmt.Errorf("listener mode %q: must be \"direct\" or \"bridged\"", c.Listener.Mode)
	}
	if c.Listener.DedupeWindow <= 0 {
		c.Listener.DedupeWindow = DefaultDedupeWindow
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = DefaultWorkerMaxRetries
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = DefaultWorkerConcurrency
	}
	if c.Worker.PollInterval == "" {
		c.Worker.PollInterval = DefaultWorkerPoll
	}
	if c.Memory.WorkingMaxEntries <= 0 {
		c.Memory.WorkingMaxEntries = DefaultWorkingMaxEntries
	}
	if c.Memory.WorkingMaxAgeDays <= 0 {
		c.Memory.WorkingMaxAgeDays = DefaultWorkingMaxAgeDays
	}
	if c.Agent.CompletionTimeout <= 0 {
		c.Agent.CompletionTimeout = DefaultCompletionTimeout
	}
	return nil
}

// SaveConfig writes the config as indented JSON, creating the config dir.
func SaveConfig(cfg *Config) error {
	if err := os.MkdirAll(ConfigDir(), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
