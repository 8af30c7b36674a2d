package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/fly-io/pgupgrade/internal/config"
	"github.com/fly-io/pgupgrade/pkg/backup"
	"github.com/fly-io/pgupgrade/pkg/datadir"
	"github.com/fly-io/pgupgrade/pkg/errors"
	appfsm "github.com/fly-io/pgupgrade/pkg/fsm"
	"github.com/fly-io/pgupgrade/pkg/metrics"
	"github.com/fly-io/pgupgrade/pkg/retry"
	"github.com/fly-io/pgupgrade/pkg/runtime"
	"github.com/fly-io/pgupgrade/pkg/storage"
	"github.com/fly-io/pgupgrade/pkg/topology"
)

func selectedMode() appfsm.Mode {
	switch {
	case backupOnly:
		return appfsm.ModeBackupOnly
	case restoreOnly:
		return appfsm.ModeRestoreOnly
	case dryRun:
		return appfsm.ModeDryRun
	default:
		return appfsm.ModeUpgrade
	}
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	req, err := appfsm.NewUpgradeRequest(selectedMode(), containerName, dataDir, args)
	if err != nil {
		cmd.PrintErrln(cmd.UsageString())
		return &exitError{code: 1, err: err}
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(runDirectories(cfg, req.Mode)...); err != nil {
		return err
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	repo, err := openLedger(cfg, req.Mode)
	if err != nil {
		return err
	}
	if repo != nil {
		defer repo.Close()
	}

	var offsite backup.Offsite
	if cfg.S3Bucket != "" && req.Mode != appfsm.ModeDryRun {
		s3Client, err := storage.NewClient(ctx, storage.Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			slog.Warn("offsite_disabled", "bucket", cfg.S3Bucket, "error", err)
		} else {
			offsite = s3Client
		}
	}

	compose := runtime.NewCompose(cfg.ComposeBinary, cfg.ComposeFile)
	rt, err := runtime.NewDockerRuntime(cfg.DockerHost, compose, cfg.DBUser)
	if err != nil {
		return errors.Wrap(err, "docker client failed")
	}
	defer rt.Close()

	if req.Mode != appfsm.ModeDryRun {
		// Not fatal: readiness waits decide whether the engine is reachable
		if err := rt.Ping(ctx); err != nil {
			slog.Warn("docker_ping_failed", "error", err)
		}
	}

	store := backup.NewStore(rt, repo, offsite, backup.Options{
		Root:          cfg.BackupDir(),
		DBUser:        cfg.DBUser,
		ReadyBudget:   retry.Budget{Attempts: cfg.ReadyAttempts, Interval: cfg.ReadyInterval},
		OffsitePrefix: cfg.S3Prefix,
	})
	configurator := topology.NewConfigurator(cfg.ComposeFile, cfg.Image, cfg.ComposeService)
	resetter := datadir.NewResetter(rt, cfg.ComposeService, retry.Budget{Attempts: cfg.ShutdownAttempts, Interval: cfg.ShutdownInterval})

	opts := appfsm.Options{
		RestartGrace:    cfg.RestartGrace,
		RestartBudget:   retry.Budget{Attempts: cfg.RestartAttempts, Interval: cfg.RestartInterval},
		LogTailLines:    cfg.LogTailLines,
		RollbackRestore: cfg.RollbackRestore,
		MetricsTextfile: cfg.MetricsTextfile,
	}
	machine := appfsm.NewMachine(rt, store, configurator, resetter, repo, metrics.NewRecorder(), opts)

	if req.Mode != appfsm.ModeDryRun {
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDir()})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		defer manager.Shutdown(10 * time.Second)

		if err := machine.Register(ctx, manager); err != nil {
			return errors.Wrap(err, "FSM register failed")
		}
	}

	outcome, err := machine.Run(ctx, req)
	if err != nil {
		return errors.Wrap(err, "run failed")
	}
	if code := outcome.ExitCode(); code != 0 {
		return &exitError{code: code, err: fmt.Errorf("%s", outcome)}
	}
	return nil
}
