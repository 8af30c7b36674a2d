package fsm

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/security"
)

// Mode selects which workflow a run executes
type Mode string

const (
	ModeUpgrade     Mode = "upgrade"
	ModeBackupOnly  Mode = "backup_only"
	ModeRestoreOnly Mode = "restore_only"
	ModeDryRun      Mode = "dry_run"
)

// UpgradeRequest is the FSM input. It is built once from validated input
// and never modified during a run.
type UpgradeRequest struct {
	RunID         string
	ContainerName string
	DataDirectory string
	FromVersion   string
	ToVersion     string
	Mode          Mode
}

// NewUpgradeRequest validates operator input and assigns a run ID.
// BackupOnly and RestoreOnly take one version, Upgrade and DryRun take two.
func NewUpgradeRequest(mode Mode, container, dataDir string, versions []string) (*UpgradeRequest, error) {
	req := &UpgradeRequest{
		RunID:         uuid.NewString(),
		ContainerName: container,
		DataDirectory: security.NormalizeDataDir(dataDir),
		Mode:          mode,
	}

	switch mode {
	case ModeUpgrade, ModeDryRun:
		if len(versions) != 2 {
			return nil, errors.Newf(errors.KindArgumentError, "%s needs <from-version> <to-version>, got %d argument(s)", mode, len(versions))
		}
		req.FromVersion, req.ToVersion = versions[0], versions[1]
	case ModeBackupOnly, ModeRestoreOnly:
		if len(versions) != 1 {
			return nil, errors.Newf(errors.KindArgumentError, "%s needs exactly one <version>, got %d argument(s)", mode, len(versions))
		}
		req.FromVersion = versions[0]
	default:
		return nil, errors.Newf(errors.KindArgumentError, "unknown mode %q", mode)
	}

	if err := req.Validate(security.DefaultValidator()); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks every field the selected mode uses
func (r *UpgradeRequest) Validate(v *security.Validator) error {
	if err := v.ValidateContainerName(r.ContainerName); err != nil {
		return err
	}
	if err := v.ValidateVersion(r.FromVersion); err != nil {
		return err
	}

	switch r.Mode {
	case ModeUpgrade, ModeDryRun:
		if err := v.ValidateVersion(r.ToVersion); err != nil {
			return err
		}
		if r.FromVersion == r.ToVersion {
			return errors.Newf(errors.KindArgumentError, "from and to versions are both %s", r.FromVersion)
		}
		// Only the upgrade path empties the data directory
		if err := v.ValidateDataDir(r.DataDirectory); err != nil {
			return err
		}
	}
	return nil
}

func (r *UpgradeRequest) String() string {
	switch r.Mode {
	case ModeUpgrade, ModeDryRun:
		return fmt.Sprintf("%s %s %s -> %s", r.Mode, r.ContainerName, r.FromVersion, r.ToVersion)
	default:
		return fmt.Sprintf("%s %s %s", r.Mode, r.ContainerName, r.FromVersion)
	}
}

// RunResponse is the FSM output (accumulated across transitions)
type RunResponse struct {
	// From BackingUp or Locating
	ArtifactPath string
	ArtifactSize int64

	// From Verifying
	Verified bool

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateBackingUp     = "backing_up"
	StateVerifying     = "verifying"
	StateResetting     = "resetting"
	StateReconfiguring = "reconfiguring"
	StateRestarting    = "restarting"
	StateRestoring     = "restoring"
	StateLocating      = "locating"
	StateComplete      = "complete"
	StateFailed        = "failed"

	// stageLocking is reported when the container lock cannot be taken
	stageLocking = "locking"
	// stageRollback is reported when the rollback itself fails
	stageRollback = "rollback"
)

// OutcomeKind is the terminal result of a run
type OutcomeKind string

const (
	OutcomeSucceeded  OutcomeKind = "succeeded"
	OutcomeRolledBack OutcomeKind = "rolled_back"
	OutcomeFailedHard OutcomeKind = "failed_hard"
)

// Outcome is reported to the operator and recorded in the run ledger
type Outcome struct {
	Kind OutcomeKind
	// Stage is the state that failed; empty on success
	Stage string
	// ErrKind classifies the failure
	ErrKind errors.Kind
	Reason  string
	// Artifact is the backup the run produced or used
	Artifact string
	// DataRestored is set when a rollback also restored the pre-upgrade backup
	DataRestored bool
}

// ExitCode maps the outcome to a process exit status
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case OutcomeSucceeded:
		return 0
	case OutcomeRolledBack:
		return 2
	default:
		return 1
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRolledBack:
		return fmt.Sprintf("rolled back after %s failed: %s", o.Stage, o.Reason)
	default:
		return fmt.Sprintf("failed at %s (%s): %s", o.Stage, o.ErrKind, o.Reason)
	}
}
