// Package config loads CLI defaults from an optional ~/.playbook.toml
// merged with PLAYBOOK_* environment variables. Command-line flags win
// over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/playbook-sh/playbook/pkg/domain"
	"github.com/playbook-sh/playbook/pkg/variables"
)

// Config carries the tool-level settings, not workflow variables.
type Config struct {
	DatabasePath   string `toml:"database_path"`
	EnvPrefix      string `toml:"env_prefix"`
	NonInteractive bool   `toml:"non_interactive"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DatabasePath: defaultDatabasePath(),
		EnvPrefix:    variables.DefaultEnvPrefix,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "playbook.db"
	}
	return filepath.Join(home, ".playbook", "playbook.db")
}

// Load resolves the configuration: defaults, then ~/.playbook.toml if
// present, then PLAYBOOK_* environment variables.
func Load() (Config, error) {
	cfg := Default()

	path := configFilePath()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadFile(path, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("PLAYBOOK_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".playbook.toml")
}

func loadFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return &domain.ConfigurationError{
			Message: fmt.Sprintf("cannot read config file %s: %v", path, err),
		}
	}
	if err := toml.Unmarshal(content, cfg); err != nil {
		return &domain.ConfigurationError{
			Message:    fmt.Sprintf("cannot parse config file %s: %v", path, err),
			Suggestion: "check the TOML syntax",
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PLAYBOOK_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("PLAYBOOK_ENV_PREFIX"); v != "" {
		cfg.EnvPrefix = v
	}
	if v := os.Getenv("PLAYBOOK_NON_INTERACTIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NonInteractive = b
		}
	}
	if v := os.Getenv("PLAYBOOK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PLAYBOOK_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
