package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Tool state: backups, upgrade.log, ledger and FSM store live under ToolRoot
	ToolRoot string `mapstructure:"tool-root"`

	// Topology
	ComposeFile    string `mapstructure:"compose-file"`
	ComposeBinary  string `mapstructure:"compose-binary"`
	ComposeService string `mapstructure:"compose-service"`
	Image          string `mapstructure:"image"`
	DockerHost     string `mapstructure:"docker-host"`

	// Engine
	DBUser string `mapstructure:"db-user"`

	// Wait budgets
	ReadyAttempts    int           `mapstructure:"ready-attempts"`
	ReadyInterval    time.Duration `mapstructure:"ready-interval"`
	ShutdownAttempts int           `mapstructure:"shutdown-attempts"`
	ShutdownInterval time.Duration `mapstructure:"shutdown-interval"`
	RestartGrace     time.Duration `mapstructure:"restart-grace"`
	RestartAttempts  int           `mapstructure:"restart-attempts"`
	RestartInterval  time.Duration `mapstructure:"restart-interval"`

	// Diagnostics
	LogTailLines    int    `mapstructure:"log-tail-lines"`
	LogLevel        string `mapstructure:"log-level"`
	MetricsTextfile string `mapstructure:"metrics-textfile"`

	// S3 offsite copies (disabled when bucket is empty)
	S3Bucket   string `mapstructure:"s3-bucket"`
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`
	S3Prefix   string `mapstructure:"s3-prefix"`

	// Feature flags
	RollbackRestore bool `mapstructure:"rollback-restore"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("tool-root", ".pgupgrade")
	viper.SetDefault("compose-file", "docker-compose.yml")
	viper.SetDefault("compose-binary", "docker")
	viper.SetDefault("compose-service", "db")
	viper.SetDefault("image", "postgres")
	viper.SetDefault("docker-host", "")
	viper.SetDefault("db-user", "postgres")
	viper.SetDefault("ready-attempts", 10)
	viper.SetDefault("ready-interval", time.Second)
	viper.SetDefault("shutdown-attempts", 10)
	viper.SetDefault("shutdown-interval", 2*time.Second)
	viper.SetDefault("restart-grace", 5*time.Second)
	viper.SetDefault("restart-attempts", 30)
	viper.SetDefault("restart-interval", time.Second)
	viper.SetDefault("log-tail-lines", 20)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("metrics-textfile", "")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-prefix", "pgupgrade/")
	viper.SetDefault("rollback-restore", false)

	// Environment variables (will be PGUPGRADE_TOOL_ROOT, etc.)
	viper.SetEnvPrefix("PGUPGRADE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("pgupgrade")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.pgupgrade")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ToolRoot == "" {
		return fmt.Errorf("tool-root cannot be empty")
	}
	if c.ComposeFile == "" {
		return fmt.Errorf("compose-file cannot be empty")
	}
	if c.ComposeBinary == "" {
		return fmt.Errorf("compose-binary cannot be empty")
	}
	if c.ComposeService == "" {
		return fmt.Errorf("compose-service cannot be empty")
	}
	if c.Image == "" || strings.ContainsAny(c.Image, ": \t") {
		return fmt.Errorf("image must be a repository name without tag: %q", c.Image)
	}
	if c.DBUser == "" {
		return fmt.Errorf("db-user cannot be empty")
	}
	for name, n := range map[string]int{
		"ready-attempts":    c.ReadyAttempts,
		"shutdown-attempts": c.ShutdownAttempts,
		"restart-attempts":  c.RestartAttempts,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for name, d := range map[string]time.Duration{
		"ready-interval":    c.ReadyInterval,
		"shutdown-interval": c.ShutdownInterval,
		"restart-grace":     c.RestartGrace,
		"restart-interval":  c.RestartInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if c.LogTailLines < 0 {
		return fmt.Errorf("log-tail-lines must be non-negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error")
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return fmt.Errorf("s3-region is required when s3-bucket is set")
	}
	return nil
}

// BackupDir is where dumps are written
func (c *Config) BackupDir() string { return filepath.Join(c.ToolRoot, "backups") }

// LogFile is the append-only upgrade log
func (c *Config) LogFile() string { return filepath.Join(c.ToolRoot, "upgrade.log") }

// LedgerPath is the SQLite run ledger
func (c *Config) LedgerPath() string { return filepath.Join(c.ToolRoot, "ledger.db") }

// FSMDir holds the FSM manager's store
func (c *Config) FSMDir() string { return filepath.Join(c.ToolRoot, "fsm") }
