package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() *Config {
	return &Config{
		ToolRoot:         ".pgupgrade",
		ComposeFile:      "docker-compose.yml",
		ComposeBinary:    "docker",
		ComposeService:   "db",
		Image:            "postgres",
		DBUser:           "postgres",
		ReadyAttempts:    10,
		ReadyInterval:    time.Second,
		ShutdownAttempts: 10,
		ShutdownInterval: 2 * time.Second,
		RestartGrace:     5 * time.Second,
		RestartAttempts:  30,
		RestartInterval:  time.Second,
		LogTailLines:     20,
		LogLevel:         "info",
		S3Region:         "us-east-1",
	}
}

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.ToolRoot != ".pgupgrade" || cfg.ComposeFile != "docker-compose.yml" {
		t.Errorf("unexpected paths: %+v", cfg)
	}
	if cfg.ShutdownAttempts != 10 || cfg.ShutdownInterval != 2*time.Second {
		t.Errorf("shutdown budget = %d x %s", cfg.ShutdownAttempts, cfg.ShutdownInterval)
	}
	if cfg.RestartAttempts != 30 || cfg.RestartGrace != 5*time.Second {
		t.Errorf("restart budget = %s + %d", cfg.RestartGrace, cfg.RestartAttempts)
	}
	if cfg.S3Bucket != "" {
		t.Errorf("offsite copies should be off by default")
	}
	if cfg.LogFile() != filepath.Join(".pgupgrade", "upgrade.log") {
		t.Errorf("log file = %s", cfg.LogFile())
	}
}

func TestLoad_Env(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())
	t.Setenv("PGUPGRADE_TOOL_ROOT", "/srv/upgrades")
	t.Setenv("PGUPGRADE_RESTART_ATTEMPTS", "60")
	t.Setenv("PGUPGRADE_ROLLBACK_RESTORE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ToolRoot != "/srv/upgrades" {
		t.Errorf("tool root = %s", cfg.ToolRoot)
	}
	if cfg.RestartAttempts != 60 {
		t.Errorf("restart attempts = %d", cfg.RestartAttempts)
	}
	if !cfg.RollbackRestore {
		t.Error("rollback restore should be enabled")
	}
	if cfg.BackupDir() != "/srv/upgrades/backups" {
		t.Errorf("backup dir = %s", cfg.BackupDir())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty tool root", func(c *Config) { c.ToolRoot = "" }, "tool-root"},
		{"tagged image", func(c *Config) { c.Image = "postgres:13" }, "image"},
		{"zero restart attempts", func(c *Config) { c.RestartAttempts = 0 }, "restart-attempts"},
		{"negative grace", func(c *Config) { c.RestartGrace = -time.Second }, "restart-grace"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
		{"bucket without region", func(c *Config) { c.S3Bucket = "b"; c.S3Region = "" }, "s3-region"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
