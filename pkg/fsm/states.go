package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/fly-io/pgupgrade/pkg/backup"
	"github.com/fly-io/pgupgrade/pkg/errors"
)

// begin resolves the run and refuses re-entry. Every handler aborts on
// failure, so a retry means the FSM resumed a run this process did not start.
func (m *Machine) begin(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse], stage string) (*runState, *RunResponse, error) {
	slog.Info("fsm_state_"+stage, "run_id", req.Msg.RunID, "container", req.Msg.ContainerName)

	if retryCount := fsm.RetryFromContext(ctx); retryCount > 0 {
		slog.Error("stage_reentered", "run_id", req.Msg.RunID, "stage", stage, "retry", retryCount)
		return nil, nil, fsm.Abort(fmt.Errorf("stage %s re-entered after %d retries", stage, retryCount))
	}

	st, err := m.state(req.Msg.RunID)
	if err != nil {
		slog.Error("run_not_tracked", "run_id", req.Msg.RunID, "stage", stage)
		return nil, nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &RunResponse{}
	}
	return st, resp, nil
}

// handleBackingUp dumps the running engine at the version being upgraded from
func (m *Machine) handleBackingUp(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateBackingUp)
	if err != nil {
		return nil, err
	}

	var artifact *backup.Artifact
	err = m.timed(st, StateBackingUp, func() error {
		var err error
		artifact, err = m.store.Create(ctx, st.req.ContainerName, st.req.FromVersion)
		return err
	})
	if err != nil {
		return nil, m.failHard(ctx, st, StateBackingUp, err)
	}

	st.setArtifact(artifact)
	m.metrics.RecordBackup(artifact.Version, artifact.Size)

	resp.ArtifactPath = artifact.Path
	resp.ArtifactSize = artifact.Size
	return fsm.NewResponse(resp), nil
}

// handleLocating finds the newest existing backup for restore-only runs
func (m *Machine) handleLocating(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateLocating)
	if err != nil {
		return nil, err
	}

	var artifact *backup.Artifact
	err = m.timed(st, StateLocating, func() error {
		var err error
		artifact, err = m.store.Locate(ctx, st.req.FromVersion)
		return err
	})
	if err != nil {
		return nil, m.failHard(ctx, st, StateLocating, err)
	}

	st.setArtifact(artifact)
	resp.ArtifactPath = artifact.Path
	resp.ArtifactSize = artifact.Size
	return fsm.NewResponse(resp), nil
}

// handleVerifying checks the completion marker. Verified backups of fresh
// dumps are replicated offsite when an offsite store is configured.
func (m *Machine) handleVerifying(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateVerifying)
	if err != nil {
		return nil, err
	}

	artifact, _ := st.backup()
	if artifact == nil {
		return nil, m.failHard(ctx, st, StateVerifying, errors.New(errors.KindVerificationFailed, "no backup to verify"))
	}

	err = m.timed(st, StateVerifying, func() error {
		return m.store.Verify(ctx, artifact)
	})
	if err != nil {
		return nil, m.failHard(ctx, st, StateVerifying, err)
	}
	st.markVerified()
	resp.Verified = true

	if st.req.Mode != ModeRestoreOnly {
		if err := m.store.Replicate(ctx, artifact); err != nil {
			slog.Warn("offsite_replication_failed", "run_id", st.req.RunID, "path", artifact.Path, "error", err)
		}
	}
	return fsm.NewResponse(resp), nil
}

// handleResetting empties the data directory. Only reachable with a verified backup.
func (m *Machine) handleResetting(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateResetting)
	if err != nil {
		return nil, err
	}

	if artifact, verified := st.backup(); artifact == nil || !verified {
		return nil, m.failHard(ctx, st, StateResetting, errors.New(errors.KindVerificationFailed, "refusing to reset without a verified backup"))
	}

	err = m.timed(st, StateResetting, func() error {
		return m.resetter.QuiesceAndClean(ctx, st.req.ContainerName, st.req.DataDirectory)
	})
	if err != nil {
		return nil, m.failHard(ctx, st, StateResetting, err)
	}
	return fsm.NewResponse(resp), nil
}

// handleReconfiguring pins the target version in the descriptor
func (m *Machine) handleReconfiguring(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateReconfiguring)
	if err != nil {
		return nil, err
	}

	err = m.timed(st, StateReconfiguring, func() error {
		return m.config.SetVersion(st.req.ToVersion)
	})
	if err != nil {
		// Data is already gone and the old version has nothing to serve
		return nil, m.failHard(ctx, st, StateReconfiguring, err)
	}
	return fsm.NewResponse(resp), nil
}

// handleRestarting brings the topology up on the new version
func (m *Machine) handleRestarting(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateRestarting)
	if err != nil {
		return nil, err
	}

	err = m.timed(st, StateRestarting, func() error {
		return m.restart(ctx, st.req.ContainerName)
	})
	if err != nil {
		return nil, m.rollback(ctx, st, StateRestarting, err)
	}
	return fsm.NewResponse(resp), nil
}

// handleRestoring loads the backup into the engine. Upgrades roll back on
// failure; restore-only runs fail hard since nothing destructive preceded them.
func (m *Machine) handleRestoring(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateRestoring)
	if err != nil {
		return nil, err
	}

	artifact, verified := st.backup()
	if artifact == nil || !verified {
		return nil, m.failHard(ctx, st, StateRestoring, errors.New(errors.KindRestoreFailed, "no verified backup to restore"))
	}

	if st.req.Mode == ModeRestoreOnly {
		err = m.timed(st, StateRestoring, func() error {
			if err := m.store.WaitReady(ctx, st.req.ContainerName); err != nil {
				return err
			}
			return m.store.Restore(ctx, st.req.ContainerName, artifact)
		})
		if err != nil {
			return nil, m.failHard(ctx, st, StateRestoring, err)
		}
		return fsm.NewResponse(resp), nil
	}

	err = m.timed(st, StateRestoring, func() error {
		return m.store.Restore(ctx, st.req.ContainerName, artifact)
	})
	if err != nil {
		return nil, m.rollback(ctx, st, StateRestoring, err)
	}
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the run as succeeded
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[UpgradeRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	st, resp, err := m.begin(ctx, req, StateComplete)
	if err != nil {
		return nil, err
	}
	st.enter(StateComplete)

	artifact, _ := st.backup()
	st.finish(Outcome{Kind: OutcomeSucceeded, Artifact: artifactPath(artifact)})

	resp.Status = string(OutcomeSucceeded)
	return fsm.NewResponse(resp), nil
}
