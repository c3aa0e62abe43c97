// Package config loads and saves the player configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AppName        = "Harmonia"
	ConfigDir      = ".config/harmonia"
	ConfigFileName = "config.yml"
	StateFileName  = "state.json"

	DefaultVolume = 70
	MinVolume     = 0
	MaxVolume     = 100

	DefaultBufferSeconds  = 10
	DefaultPrefetchLeadMs = 5000
)

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/harmonia-player/harmonia/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// Network tunes the HTTP source node.
type Network struct {
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	ReadTimeoutSec    int `yaml:"read_timeout_sec"`
	RetryAttempts     int `yaml:"retry_attempts"`
	RetryDelayMs      int `yaml:"retry_delay_ms"`
	RetryBudgetSec    int `yaml:"retry_budget_sec"`
}

// Audio tunes the output path.
type Audio struct {
	Device        string `yaml:"device"` // e.g. "hw:0,0", empty = system default
	BufferSeconds int    `yaml:"buffer_seconds"`
}

// Input selects and configures the catalog module.
type Input struct {
	Module  string `yaml:"module"` // "openapi" or "localfs"
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	RootDir string `yaml:"root_dir"` // localfs music directory
}

type Config struct {
	Volume         int     `yaml:"volume"`
	PrefetchLeadMs int     `yaml:"prefetch_lead_ms"`
	LogLevel       string  `yaml:"log_level"`
	StateFile      string  `yaml:"state_file"`
	Audio          Audio   `yaml:"audio"`
	Network        Network `yaml:"network"`
	Input          Input   `yaml:"input"`
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ConfigDir, ConfigFileName), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Volume = ClampVolume(cfg.Volume)
	if cfg.Audio.BufferSeconds <= 0 {
		cfg.Audio.BufferSeconds = DefaultBufferSeconds
	}
	if cfg.PrefetchLeadMs <= 0 {
		cfg.PrefetchLeadMs = DefaultPrefetchLeadMs
	}

	return cfg, nil
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Volume:         DefaultVolume,
		PrefetchLeadMs: DefaultPrefetchLeadMs,
		LogLevel:       "info",
		Audio: Audio{
			Device:        "",
			BufferSeconds: DefaultBufferSeconds,
		},
		Network: Network{
			ConnectTimeoutSec: 5,
			ReadTimeoutSec:    5,
			RetryAttempts:     4,
			RetryDelayMs:      500,
			RetryBudgetSec:    10,
		},
		Input: Input{
			Module: "localfs",
		},
	}
}

// StateFilePath resolves the queue state file location, defaulting next to
// the config file.
func (c *Config) StateFilePath() string {
	if c.StateFile != "" {
		return c.StateFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return StateFileName
	}
	return filepath.Join(home, ConfigDir, StateFileName)
}

// ConnectTimeout returns the configured connect timeout.
func (n Network) ConnectTimeout() time.Duration {
	return time.Duration(n.ConnectTimeoutSec) * time.Second
}

// ReadTimeout returns the configured idle-read timeout.
func (n Network) ReadTimeout() time.Duration {
	return time.Duration(n.ReadTimeoutSec) * time.Second
}

// RetryDelay returns the configured initial retry backoff.
func (n Network) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelayMs) * time.Millisecond
}

// RetryBudget returns the total time allowed across retries.
func (n Network) RetryBudget() time.Duration {
	return time.Duration(n.RetryBudgetSec) * time.Second
}
