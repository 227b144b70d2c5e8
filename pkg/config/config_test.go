package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLAYBOOK_CONFIG", filepath.Join(t.TempDir(), "absent.toml"))

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EnvPrefix != "PLAYBOOK_VAR_" {
		t.Errorf("EnvPrefix = %q", cfg.EnvPrefix)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log defaults wrong: %+v", cfg)
	}
	if cfg.DatabasePath == "" {
		t.Error("DatabasePath empty")
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playbook.toml")
	content := `
database_path = "/tmp/from-file.db"
log_level = "debug"
non_interactive = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLAYBOOK_CONFIG", path)
	t.Setenv("PLAYBOOK_DB", "/tmp/from-env.db")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "/tmp/from-env.db" {
		t.Errorf("env should win over file: %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("file value lost: %q", cfg.LogLevel)
	}
	if !cfg.NonInteractive {
		t.Error("file bool lost")
	}
}

func TestLoadBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playbook.toml")
	os.WriteFile(path, []byte("{not toml"), 0o644)
	t.Setenv("PLAYBOOK_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Error("broken config file should error")
	}
}
