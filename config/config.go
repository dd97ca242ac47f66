// Package config loads the bot configuration from an optional YAML file with
// environment-variable overrides. A .env file next to the binary is honored
// for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"readinglist-bot/scheduler"
)

// Config holds all application configuration.
type Config struct {
	TelegramToken      string `yaml:"telegram_token"`
	DBPath             string `yaml:"db_path"`
	MinCapacity        int    `yaml:"min_capacity"`
	MaxCapacity        int    `yaml:"max_capacity"`
	StoreTimeoutSecs   int    `yaml:"store_timeout_secs"`
	PreviewTimeoutSecs int    `yaml:"preview_timeout_secs"`
	ReminderTime       string `yaml:"reminder_time"` // HH:MM, empty disables the reminder
	Timezone           string `yaml:"timezone"`
	LogLevel           string `yaml:"log_level"`
}

// Load reads the YAML file (a missing file is fine), applies defaults and
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	// No .env file simply means plain environment.
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	case os.IsNotExist(err):
		// Environment-only configuration.
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("READINGBOT_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}

// StoreTimeout returns the per-call storage timeout.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSecs) * time.Second
}

// PreviewTimeout returns the link-preview fetch timeout.
func (c *Config) PreviewTimeout() time.Duration {
	return time.Duration(c.PreviewTimeoutSecs) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./readinglist.db"
	}
	if cfg.MinCapacity == 0 {
		cfg.MinCapacity = 1
	}
	if cfg.MaxCapacity == 0 {
		cfg.MaxCapacity = 50
	}
	if cfg.StoreTimeoutSecs == 0 {
		cfg.StoreTimeoutSecs = 5
	}
	if cfg.PreviewTimeoutSecs == 0 {
		cfg.PreviewTimeoutSecs = 10
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if token := os.Getenv("READINGBOT_TOKEN"); token != "" {
		cfg.TelegramToken = token
	}
	if dbPath := os.Getenv("READINGBOT_DB"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if v := os.Getenv("READINGBOT_MIN_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinCapacity = n
		}
	}
	if v := os.Getenv("READINGBOT_MAX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCapacity = n
		}
	}
	if v := os.Getenv("READINGBOT_REMINDER_TIME"); v != "" {
		cfg.ReminderTime = v
	}
}

func validate(cfg *Config) error {
	if cfg.TelegramToken == "" {
		return fmt.Errorf("telegram_token is required")
	}
	if cfg.MinCapacity < 1 {
		return fmt.Errorf("min_capacity must be positive, got %d", cfg.MinCapacity)
	}
	if cfg.MaxCapacity < cfg.MinCapacity {
		return fmt.Errorf("max_capacity %d must be >= min_capacity %d", cfg.MaxCapacity, cfg.MinCapacity)
	}
	if cfg.ReminderTime != "" {
		if _, _, err := scheduler.ParseClock(cfg.ReminderTime); err != nil {
			return fmt.Errorf("reminder_time: %w", err)
		}
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return nil
}
