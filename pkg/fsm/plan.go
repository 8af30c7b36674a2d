package fsm

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/fly-io/pgupgrade/pkg/backup"
)

// Plan is what an upgrade would do, computed without touching the engine
type Plan struct {
	Request UpgradeRequest
	// PinnedVersion is the version the descriptor currently pins, if readable
	PinnedVersion string
	Steps         []string
	// Artifacts are the existing backups of the from version, newest first
	Artifacts []*backup.Artifact
}

// Plan projects the upgrade steps for req. It only reads the descriptor and
// the backup directory.
func (m *Machine) Plan(req *UpgradeRequest) (*Plan, error) {
	artifacts, err := m.store.List(req.FromVersion)
	if err != nil {
		return nil, err
	}

	p := &Plan{Request: *req, Artifacts: artifacts}
	if v, err := m.config.CurrentVersion(); err == nil {
		p.PinnedVersion = v
	}

	next := filepath.Join(m.store.Root(), backup.FileName(req.FromVersion, "<timestamp>"))
	p.Steps = []string{
		fmt.Sprintf("back up all databases of %s (version %s) to %s", req.ContainerName, req.FromVersion, next),
		"verify the backup ends with the dump completion marker",
		fmt.Sprintf("stop the engine in %s and delete everything in %s", req.ContainerName, req.DataDirectory),
		fmt.Sprintf("pin the engine image to version %s in %s (previous copy kept as %s)", req.ToVersion, m.config.Path(), m.config.BackupPath()),
		fmt.Sprintf("start the topology and wait up to %s for %s to accept connections",
			m.opts.RestartGrace+m.opts.RestartBudget.Total(), req.ContainerName),
		fmt.Sprintf("restore the backup into version %s", req.ToVersion),
	}
	return p, nil
}

// Log writes the plan as one line per step and per existing backup
func (p *Plan) Log() {
	slog.Info("dry_run", "request", p.Request.String(), "pinned_version", p.PinnedVersion)
	for i, step := range p.Steps {
		slog.Info("dry_run_step", "n", i+1, "step", step)
	}
	if len(p.Artifacts) == 0 {
		slog.Info("dry_run_no_backups", "version", p.Request.FromVersion)
	}
	for _, a := range p.Artifacts {
		slog.Info("dry_run_backup",
			"path", a.Path,
			"size", humanize.IBytes(uint64(a.Size)),
			"status", a.Status,
		)
	}
	slog.Info("dry_run_complete", "changes", "none")
}
