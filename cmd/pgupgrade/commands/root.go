package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fly-io/pgupgrade/pkg/errors"
)

// Version is set at build time with -ldflags "-X .../commands.Version=..."
var Version = "dev"

var (
	containerName   string
	dataDir         string
	backupOnly      bool
	restoreOnly     bool
	dryRun          bool
	rollbackRestore bool
)

var rootCmd = &cobra.Command{
	Use:   "pgupgrade [OPTIONS] <from-version> <to-version>",
	Short: "Upgrade a containerized PostgreSQL engine in place",
	Long: `Upgrades a PostgreSQL container managed by docker compose:
backup -> verify -> reset data directory -> pin new version -> restart -> restore.
A failed restart or restore rolls back to the previous version.

  pgupgrade -n pg 13 14                  full upgrade
  pgupgrade -n pg --backup-only 13       dump only
  pgupgrade -n pg --restore-only 13      restore the newest dump of 13
  pgupgrade -n pg --dry-run 13 14        print the plan, change nothing

Exit status: 0 success, 1 failure or invalid input, 2 rolled back.`,
	Version:       Version,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runUpgrade,
}

// exitError carries a process exit status out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the CLI and returns the process exit status
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return 1
}

func init() {
	rootCmd.Flags().StringVarP(&containerName, "name", "n", "", "Container name of the engine (required)")
	rootCmd.Flags().StringVarP(&dataDir, "data-dir", "d", "/var/lib/postgresql/data", "Data directory inside the container")
	rootCmd.Flags().BoolVar(&backupOnly, "backup-only", false, "Only dump <version>")
	rootCmd.Flags().BoolVar(&restoreOnly, "restore-only", false, "Only restore the newest dump of <version>")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print what an upgrade would do without changing anything")
	rootCmd.Flags().BoolVar(&rollbackRestore, "rollback-restore", false, "After a rollback, restore the pre-upgrade dump")
	rootCmd.MarkFlagsMutuallyExclusive("backup-only", "restore-only", "dry-run")

	rootCmd.PersistentFlags().String("tool-root", ".pgupgrade", "Directory for backups, upgrade.log and run state")
	rootCmd.PersistentFlags().String("compose-file", "docker-compose.yml", "Compose file pinning the engine version")
	rootCmd.PersistentFlags().String("compose-service", "db", "Compose service of the engine")
	rootCmd.PersistentFlags().String("image", "postgres", "Engine image repository whose tag is rewritten")
	rootCmd.PersistentFlags().String("db-user", "postgres", "Superuser for dump and restore")
	rootCmd.PersistentFlags().String("docker-host", "", "Docker daemon address (default from environment)")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket for offsite backup copies (disabled if empty)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible endpoint URL")
	rootCmd.PersistentFlags().String("metrics-textfile", "", "Write run metrics to this Prometheus textfile")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	viper.BindPFlag("tool-root", rootCmd.PersistentFlags().Lookup("tool-root"))
	viper.BindPFlag("compose-file", rootCmd.PersistentFlags().Lookup("compose-file"))
	viper.BindPFlag("compose-service", rootCmd.PersistentFlags().Lookup("compose-service"))
	viper.BindPFlag("image", rootCmd.PersistentFlags().Lookup("image"))
	viper.BindPFlag("db-user", rootCmd.PersistentFlags().Lookup("db-user"))
	viper.BindPFlag("docker-host", rootCmd.PersistentFlags().Lookup("docker-host"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("s3-endpoint", rootCmd.PersistentFlags().Lookup("s3-endpoint"))
	viper.BindPFlag("metrics-textfile", rootCmd.PersistentFlags().Lookup("metrics-textfile"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("rollback-restore", rootCmd.Flags().Lookup("rollback-restore"))
}
