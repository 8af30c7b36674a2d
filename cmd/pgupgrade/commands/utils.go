package commands

import (
	"log/slog"
	"os"

	"github.com/fly-io/pgupgrade/internal/config"
	"github.com/fly-io/pgupgrade/pkg/db"
	"github.com/fly-io/pgupgrade/pkg/errors"
	appfsm "github.com/fly-io/pgupgrade/pkg/fsm"
	"github.com/fly-io/pgupgrade/pkg/logging"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+dir)
		}
	}
	return nil
}

// runDirectories lists the directories a run of mode writes to. A dry run
// only appends to the upgrade log.
func runDirectories(cfg *config.Config, mode appfsm.Mode) []string {
	if mode == appfsm.ModeDryRun {
		return []string{cfg.ToolRoot}
	}
	return []string{cfg.ToolRoot, cfg.BackupDir(), cfg.FSMDir()}
}

// openLedger opens the run ledger. A dry run reuses an existing ledger for
// artifact statuses but never creates one; it gets nil when there is none.
func openLedger(cfg *config.Config, mode appfsm.Mode) (*db.Repository, error) {
	if mode == appfsm.ModeDryRun {
		if _, err := os.Stat(cfg.LedgerPath()); err != nil {
			return nil, nil
		}
	}
	repo, err := db.NewRepository(cfg.LedgerPath())
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

// setupLogging sends every record to stdout and to the append-only upgrade log
func setupLogging(cfg *config.Config) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}

	f, err := logging.OpenFile(cfg.LogFile())
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(logging.Fanout{
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
		logging.NewLineHandler(f, level),
	}))

	return func() { f.Close() }, nil
}
