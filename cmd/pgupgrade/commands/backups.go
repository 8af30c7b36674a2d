package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fly-io/pgupgrade/internal/config"
	"github.com/fly-io/pgupgrade/pkg/backup"
	"github.com/fly-io/pgupgrade/pkg/db"
	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/storage"
)

var backupsOffsite bool

var backupsCmd = &cobra.Command{
	Use:   "backups [version]",
	Short: "List backups and their verification status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackups,
}

func init() {
	rootCmd.AddCommand(backupsCmd)
	backupsCmd.Flags().BoolVar(&backupsOffsite, "offsite", false, "Also list objects in the S3 bucket")
}

func runBackups(cmd *cobra.Command, args []string) error {
	version := ""
	if len(args) == 1 {
		version = args[0]
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.ToolRoot); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.LedgerPath())
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	// Listing never touches the engine, so no runtime is needed
	store := backup.NewStore(nil, repo, nil, backup.Options{Root: cfg.BackupDir()})
	artifacts, err := store.List(version)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(artifacts) == 0 {
		fmt.Println("No backups found")
	} else {
		fmt.Printf("%-10s %-18s %-10s %-12s %-40s\n", "VERSION", "TAKEN", "SIZE", "STATUS", "FILE")
		fmt.Println("------------------------------------------------------------------------------------------------")

		for _, a := range artifacts {
			offsite := ""
			if a.OffsiteKey != "" {
				offsite = " (offsite)"
			}
			fmt.Printf("%-10s %-18s %-10s %-12s %-40s\n",
				a.Version, taken(a.Timestamp), humanize.IBytes(uint64(a.Size)), a.Status, filepath.Base(a.Path)+offsite)
		}
	}

	if !backupsOffsite {
		return nil
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("--offsite needs s3-bucket to be configured")
	}

	client, err := storage.NewClient(cmd.Context(), storage.Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	prefix := cfg.S3Prefix + "dump_v" + version
	keys, err := client.ListObjects(cmd.Context(), prefix)
	if err != nil {
		return errors.Wrap(err, "offsite list failed")
	}

	fmt.Printf("\nOffsite copies in s3://%s/%s (%d)\n", cfg.S3Bucket, cfg.S3Prefix, len(keys))
	for _, key := range keys {
		fmt.Printf("  %s\n", key)
	}
	return nil
}

// taken renders an artifact timestamp relative to now
func taken(timestamp string) string {
	if timestamp == "" {
		return "-"
	}
	t, err := time.ParseInLocation(backup.TimestampLayout, timestamp, time.Local)
	if err != nil {
		return timestamp
	}
	return humanize.Time(t)
}
