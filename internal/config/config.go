// Package config loads config.yaml from the agentflow home directory,
// applies environment overrides, and normalizes defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentflow/internal/otel"
)

// ProviderConfig holds per-provider LLM settings.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
}

// TelegramConfig configures the optional Telegram adapter.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// AgentSeed defines an agent to upsert on startup.
type AgentSeed struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Soul     string `yaml:"soul"`
	SoulFile string `yaml:"soul_file"`
	TeamID   string `yaml:"team_id"`
}

// TeamSeed defines a team to upsert on startup.
type TeamSeed struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	LeaderAgentID string `yaml:"leader_agent_id"`
}

// GroupSeed defines a WhatsApp group to register on startup.
type GroupSeed struct {
	GroupID string `yaml:"group_id"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

// RetentionConfig controls the nightly pruning sweep. Zero windows
// disable pruning for that table.
type RetentionConfig struct {
	Schedule    string `yaml:"schedule"`
	TaskDays    int    `yaml:"task_days"`
	MessageDays int    `yaml:"message_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string `yaml:"bind_addr"`
	WorkerCount         int    `yaml:"worker_count"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	MaxQueueDepth       int    `yaml:"max_queue_depth"`
	MaxHistoryMessages  int    `yaml:"max_history_messages"`
	MaxFanoutDepth      int    `yaml:"max_fanout_depth"`
	LogLevel            string `yaml:"log_level"`
	DBPath              string `yaml:"db_path"`
	AuthToken           string `yaml:"auth_token"`

	// BridgeURL is the base URL of the WhatsApp bridge. Empty disables
	// outbound delivery.
	BridgeURL string `yaml:"bridge_url"`

	// AllowOrigins controls accepted Origin headers for browser
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	Telegram  TelegramConfig            `yaml:"telegram"`
	Retention RetentionConfig           `yaml:"retention"`
	Telemetry otel.Config               `yaml:"telemetry"`

	Agents []AgentSeed `yaml:"agents"`
	Teams  []TeamSeed  `yaml:"teams"`
	Groups []GroupSeed `yaml:"groups"`
}

// TaskTimeout returns the provider call timeout as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// DrainTimeout returns the shutdown drain window as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ProviderAPIKey returns the key for the named provider. Environment
// variables win over config.yaml.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// HomeDir resolves the agentflow home directory: AGENTFLOW_HOME, else
// ~/.agentflow.
func HomeDir() string {
	if override := os.Getenv("AGENTFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentflow")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:8765",
		WorkerCount:         2,
		TaskTimeoutSeconds:  120,
		DrainTimeoutSeconds: 10,
		MaxQueueDepth:       256,
		MaxHistoryMessages:  50,
		MaxFanoutDepth:      5,
		LogLevel:            "info",
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
		},
	}
}

// Load reads config.yaml from homeDir (created if missing), applies env
// overrides, and fills defaults. A missing config file is not an error.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentflow home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := loadSoulFiles(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8765"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = 120
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 256
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 50
	}
	if cfg.MaxFanoutDepth <= 0 {
		cfg.MaxFanoutDepth = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "agentflow.db")
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTFLOW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTFLOW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTFLOW_BRIDGE_URL"); raw != "" {
		cfg.BridgeURL = raw
	}
	if raw := os.Getenv("AGENTFLOW_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGENTFLOW_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("AGENTFLOW_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

// loadSoulFiles resolves soul_file references in agent seeds, relative
// to the home directory.
func loadSoulFiles(cfg *Config) error {
	for i := range cfg.Agents {
		seed := &cfg.Agents[i]
		if seed.Soul != "" || seed.SoulFile == "" {
			continue
		}
		path := seed.SoulFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.HomeDir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read soul_file for agent %s: %w", seed.ID, err)
		}
		seed.Soul = string(b)
	}
	return nil
}
