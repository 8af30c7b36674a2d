package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/pgupgrade/internal/config"
	"github.com/fly-io/pgupgrade/pkg/db"
	appfsm "github.com/fly-io/pgupgrade/pkg/fsm"
)

func TestDryRunLeavesNoState(t *testing.T) {
	cfg := &config.Config{ToolRoot: filepath.Join(t.TempDir(), ".pgupgrade")}

	if err := ensureDirectories(runDirectories(cfg, appfsm.ModeDryRun)...); err != nil {
		t.Fatalf("ensureDirectories failed: %v", err)
	}
	repo, err := openLedger(cfg, appfsm.ModeDryRun)
	if err != nil {
		t.Fatalf("openLedger failed: %v", err)
	}
	if repo != nil {
		repo.Close()
		t.Error("dry run opened a ledger that did not exist")
	}

	for _, path := range []string{cfg.LedgerPath(), cfg.FSMDir(), cfg.BackupDir()} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("dry run created %s", path)
		}
	}
}

func TestDryRunReadsExistingLedger(t *testing.T) {
	cfg := &config.Config{ToolRoot: t.TempDir()}

	existing, err := db.NewRepository(cfg.LedgerPath())
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	existing.Close()

	repo, err := openLedger(cfg, appfsm.ModeDryRun)
	if err != nil {
		t.Fatalf("openLedger failed: %v", err)
	}
	if repo == nil {
		t.Fatal("dry run ignored the existing ledger")
	}
	repo.Close()
}

func TestRunDirectories(t *testing.T) {
	cfg := &config.Config{ToolRoot: "/srv/.pgupgrade"}

	tests := []struct {
		mode appfsm.Mode
		want []string
	}{
		{appfsm.ModeDryRun, []string{"/srv/.pgupgrade"}},
		{appfsm.ModeUpgrade, []string{"/srv/.pgupgrade", "/srv/.pgupgrade/backups", "/srv/.pgupgrade/fsm"}},
		{appfsm.ModeBackupOnly, []string{"/srv/.pgupgrade", "/srv/.pgupgrade/backups", "/srv/.pgupgrade/fsm"}},
		{appfsm.ModeRestoreOnly, []string{"/srv/.pgupgrade", "/srv/.pgupgrade/backups", "/srv/.pgupgrade/fsm"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			got := runDirectories(cfg, tt.mode)
			if len(got) != len(tt.want) {
				t.Fatalf("runDirectories = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("runDirectories[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestUpgradeCreatesLedger(t *testing.T) {
	cfg := &config.Config{ToolRoot: t.TempDir()}

	repo, err := openLedger(cfg, appfsm.ModeUpgrade)
	if err != nil {
		t.Fatalf("openLedger failed: %v", err)
	}
	defer repo.Close()

	if _, err := os.Stat(cfg.LedgerPath()); err != nil {
		t.Errorf("ledger not created: %v", err)
	}
}
