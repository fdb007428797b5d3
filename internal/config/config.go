package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens   = 600
	DefaultBufSize     = 100
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 18800
	DefaultDailyBudget = 500

	DefaultQueueTickMs      = 500
	DefaultQueueRatePerSec  = 0.5
	DefaultQueueBurst       = 5
	DefaultQueueMaxAttempts = 5
	DefaultQueueMaxDepth    = 1000

	DefaultMemoryCapacity      = 50
	DefaultMemoryRetentionDays = 7

	DefaultInactivityWindow = "2h"
	DefaultEngageChance     = 0.03

	DefaultCooldownSeconds = 30
)

type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Provider   ProviderConfig   `json:"provider"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
	Queue      QueueConfig      `json:"queue"`
	Memory     MemoryConfig     `json:"memory"`
	Engagement EngagementConfig `json:"engagement"`
	Usage      UsageConfig      `json:"usage"`
}

type AgentConfig struct {
	Model           string `json:"model"`
	MaxTokens       int    `json:"maxTokens"`
	DBPath          string `json:"dbPath,omitempty"`
	CooldownSeconds int    `json:"cooldownSeconds"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Admins    []string `json:"admins"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// QueueConfig controls the outbound delivery queue. RatePerSec and Burst
// parameterize the per-destination token bucket; OverflowPolicy is
// "reject-newest" (default) or "drop-oldest".
type QueueConfig struct {
	TickMs         int     `json:"tickMs"`
	RatePerSec     float64 `json:"ratePerSec"`
	Burst          int     `json:"burst"`
	MaxAttempts    int     `json:"maxAttempts"`
	MaxDepth       int     `json:"maxDepth"`
	OverflowPolicy string  `json:"overflowPolicy,omitempty"`
}

type MemoryConfig struct {
	Capacity      int `json:"capacity"`
	RetentionDays int `json:"retentionDays"`
}

type EngagementConfig struct {
	InactivityWindow string  `json:"inactivityWindow"`
	Chance           float64 `json:"chance"`
}

type UsageConfig struct {
	DailyBudget int `json:"dailyBudget"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:           DefaultModel,
			MaxTokens:       DefaultMaxTokens,
			CooldownSeconds: DefaultCooldownSeconds,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Queue: QueueConfig{
			TickMs:         DefaultQueueTickMs,
			RatePerSec:     DefaultQueueRatePerSec,
			Burst:          DefaultQueueBurst,
			MaxAttempts:    DefaultQueueMaxAttempts,
			MaxDepth:       DefaultQueueMaxDepth,
			OverflowPolicy: "reject-newest",
		},
		Memory: MemoryConfig{
			Capacity:      DefaultMemoryCapacity,
			RetentionDays: DefaultMemoryRetentionDays,
		},
		Engagement: EngagementConfig{
			InactivityWindow: DefaultInactivityWindow,
			Chance:           DefaultEngageChance,
		},
		Usage: UsageConfig{
			DailyBudget: DefaultDailyBudget,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".banter")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DBPath(cfg *Config) string {
	if cfg.Agent.DBPath != "" {
		return cfg.Agent.DBPath
	}
	return filepath.Join(ConfigDir(), "data", "banter.db")
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
	if key := os.Getenv("BANTER_API_KEY"); key != "" {
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
	if url := os.Getenv("BANTER_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("BANTER_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("BANTER_DB_PATH"); dbPath != "" {
		cfg.Agent.DBPath = dbPath
	}
	if budget := os.Getenv("BANTER_DAILY_BUDGET"); budget != "" {
		if parsed, err := strconv.Atoi(budget); err == nil && parsed > 0 {
			cfg.Usage.DailyBudget = parsed
		}
	}

	if cfg.Queue.TickMs <= 0 {
		cfg.Queue.TickMs = DefaultQueueTickMs
	}
	if cfg.Queue.RatePerSec <= 0 {
		cfg.Queue.RatePerSec = DefaultQueueRatePerSec
	}
	if cfg.Queue.Burst <= 0 {
		cfg.Queue.Burst = DefaultQueueBurst
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = DefaultQueueMaxAttempts
	}
	if cfg.Queue.MaxDepth <= 0 {
		cfg.Queue.MaxDepth = DefaultQueueMaxDepth
	}
	if cfg.Queue.OverflowPolicy == "" {
		cfg.Queue.OverflowPolicy = "reject-newest"
	}
	if cfg.Memory.Capacity <= 0 {
		cfg.Memory.Capacity = DefaultMemoryCapacity
	}
	if cfg.Memory.RetentionDays <= 0 {
		cfg.Memory.RetentionDays = DefaultMemoryRetentionDays
	}
	if cfg.Engagement.InactivityWindow == "" {
		cfg.Engagement.InactivityWindow = DefaultInactivityWindow
	}
	if cfg.Engagement.Chance <= 0 {
		cfg.Engagement.Chance = DefaultEngageChance
	}
	if cfg.Usage.DailyBudget <= 0 {
		cfg.Usage.DailyBudget = DefaultDailyBudget
	}
	if cfg.Agent.CooldownSeconds <= 0 {
		cfg.Agent.CooldownSeconds = DefaultCooldownSeconds
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
