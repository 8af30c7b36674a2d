// Package fsm implements the upgrade orchestration workflows.
// It sequences backup, data directory reset, version pin, restart and
// restore of a containerized engine using the superfly/fsm library, and
// rolls back to the previous version when the new one cannot be brought up.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/superfly/fsm"

	"github.com/fly-io/pgupgrade/pkg/backup"
	"github.com/fly-io/pgupgrade/pkg/datadir"
	"github.com/fly-io/pgupgrade/pkg/db"
	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/metrics"
	"github.com/fly-io/pgupgrade/pkg/retry"
	"github.com/fly-io/pgupgrade/pkg/runtime"
	"github.com/fly-io/pgupgrade/pkg/topology"
)

// Options tunes waits and optional behavior of a Machine
type Options struct {
	// RestartGrace is slept after starting the topology, before polling
	RestartGrace time.Duration
	// RestartBudget bounds the readiness wait after a restart
	RestartBudget retry.Budget
	// LogTailLines of container output are attached to failure logs
	LogTailLines int
	// RollbackRestore restores the pre-upgrade backup after a rollback
	RollbackRestore bool
	// MetricsTextfile receives run metrics when set
	MetricsTextfile string
}

// DefaultOptions returns the stock wait budgets
func DefaultOptions() Options {
	return Options{
		RestartGrace:  5 * time.Second,
		RestartBudget: retry.Budget{Attempts: 30, Interval: time.Second},
		LogTailLines:  20,
	}
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	rt       runtime.Runtime
	store    *backup.Store
	config   *topology.Configurator
	resetter *datadir.Resetter
	repo     *db.Repository
	metrics  *metrics.Recorder
	opts     Options

	manager *fsm.Manager
	starts  map[Mode]fsm.Start[UpgradeRequest, RunResponse]

	mu   sync.Mutex
	runs map[string]*runState
}

// NewMachine creates a new FSM machine with dependencies. repo and recorder may be nil.
func NewMachine(
	rt runtime.Runtime,
	store *backup.Store,
	config *topology.Configurator,
	resetter *datadir.Resetter,
	repo *db.Repository,
	recorder *metrics.Recorder,
	opts Options,
) *Machine {
	return &Machine{
		rt:       rt,
		store:    store,
		config:   config,
		resetter: resetter,
		repo:     repo,
		metrics:  recorder,
		opts:     opts,
		runs:     make(map[string]*runState),
	}
}

// Register registers the upgrade, backup and restore FSMs
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) error {
	upgrade, _, err := fsm.Register[UpgradeRequest, RunResponse](manager, "upgrade").
		Start(StateBackingUp, m.handleBackingUp).
		To(StateVerifying, m.handleVerifying).
		To(StateResetting, m.handleResetting).
		To(StateReconfiguring, m.handleReconfiguring).
		To(StateRestarting, m.handleRestarting).
		To(StateRestoring, m.handleRestoring).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register upgrade FSM")
	}

	backupOnly, _, err := fsm.Register[UpgradeRequest, RunResponse](manager, "backup").
		Start(StateBackingUp, m.handleBackingUp).
		To(StateVerifying, m.handleVerifying).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register backup FSM")
	}

	restoreOnly, _, err := fsm.Register[UpgradeRequest, RunResponse](manager, "restore").
		Start(StateLocating, m.handleLocating).
		To(StateVerifying, m.handleVerifying).
		To(StateRestoring, m.handleRestoring).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register restore FSM")
	}

	m.manager = manager
	m.starts = map[Mode]fsm.Start[UpgradeRequest, RunResponse]{
		ModeUpgrade:     upgrade,
		ModeBackupOnly:  backupOnly,
		ModeRestoreOnly: restoreOnly,
	}
	return nil
}

// Run executes req to a terminal outcome. The returned error is reserved
// for misuse (unregistered machine, unknown mode); stage failures are
// reported through the Outcome.
func (m *Machine) Run(ctx context.Context, req *UpgradeRequest) (Outcome, error) {
	if req.Mode == ModeDryRun {
		plan, err := m.Plan(req)
		if err != nil {
			return Outcome{}, err
		}
		plan.Log()
		return Outcome{Kind: OutcomeSucceeded}, nil
	}

	start, ok := m.starts[req.Mode]
	if !ok {
		return Outcome{}, fmt.Errorf("no workflow registered for mode %q", req.Mode)
	}

	slog.Info("run_start", "run_id", req.RunID, "request", req.String())
	started := time.Now()

	if err := m.lock(ctx, req); err != nil {
		o := Outcome{Kind: OutcomeFailedHard, Stage: stageLocking, ErrKind: errors.KindOf(err), Reason: err.Error()}
		m.report(req, o)
		return o, nil
	}
	defer m.unlock(req)

	st := m.track(req)
	defer m.untrack(req.RunID)
	m.ledgerStart(req)

	if req.Mode == ModeUpgrade {
		m.preflight(req)
	}

	version, err := start(ctx, req.RunID, fsm.NewRequest(req, &RunResponse{}))
	if err != nil {
		slog.Error("fsm_start_failed", "run_id", req.RunID, "error", err)
		st.finish(Outcome{Kind: OutcomeFailedHard, Stage: st.currentStage(), Reason: err.Error()})
	} else {
		slog.Debug("fsm_started", "run_id", req.RunID, "version", version)
		if err := m.manager.Wait(ctx, version); err != nil {
			slog.Debug("fsm_wait_returned", "run_id", req.RunID, "error", err)
			if ctx.Err() != nil {
				st.finish(Outcome{
					Kind:    OutcomeFailedHard,
					Stage:   st.currentStage(),
					ErrKind: errors.KindOf(err),
					Reason:  "interrupted: " + ctx.Err().Error(),
				})
			}
		}
	}

	o := st.result()
	m.ledgerFinish(req, o)
	m.recordMetrics(req, o, started)
	m.report(req, o)
	return o, nil
}

// preflight warns when the descriptor does not pin the version being upgraded from
func (m *Machine) preflight(req *UpgradeRequest) {
	current, err := m.config.CurrentVersion()
	if err != nil {
		slog.Warn("descriptor_version_unknown", "path", m.config.Path(), "error", err)
		return
	}
	if current != req.FromVersion {
		slog.Warn("descriptor_version_mismatch", "path", m.config.Path(), "pinned", current, "from", req.FromVersion)
	}
}

func (m *Machine) lock(ctx context.Context, req *UpgradeRequest) error {
	if m.repo == nil {
		return nil
	}
	return m.repo.AcquireLock(ctx, req.ContainerName, req.RunID)
}

func (m *Machine) unlock(req *UpgradeRequest) {
	if m.repo == nil {
		return
	}
	if err := m.repo.ReleaseLock(req.ContainerName, req.RunID); err != nil {
		slog.Warn("lock_release_failed", "container", req.ContainerName, "run_id", req.RunID, "error", err)
	}
}

func (m *Machine) ledgerStart(req *UpgradeRequest) {
	if m.repo == nil {
		return
	}
	run := &db.Run{
		ID:          req.RunID,
		Mode:        string(req.Mode),
		Container:   req.ContainerName,
		FromVersion: req.FromVersion,
		ToVersion:   req.ToVersion,
	}
	if err := m.repo.CreateRun(run); err != nil {
		slog.Warn("ledger_write_failed", "run_id", req.RunID, "error", err)
	}
}

func (m *Machine) ledgerFinish(req *UpgradeRequest, o Outcome) {
	if m.repo == nil {
		return
	}
	run := &db.Run{
		ID:           req.RunID,
		Status:       string(o.Kind),
		Stage:        o.Stage,
		Kind:         string(o.ErrKind),
		Reason:       o.Reason,
		ArtifactPath: o.Artifact,
	}
	if err := m.repo.FinishRun(run); err != nil {
		slog.Warn("ledger_write_failed", "run_id", req.RunID, "error", err)
	}
}

func (m *Machine) recordMetrics(req *UpgradeRequest, o Outcome, started time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordOutcome(string(req.Mode), string(o.Kind), time.Now())
	if err := m.metrics.WriteTextfile(m.opts.MetricsTextfile); err != nil {
		slog.Warn("metrics_write_failed", "path", m.opts.MetricsTextfile, "error", err)
	}
	slog.Debug("run_duration", "run_id", req.RunID, "duration", time.Since(started).Round(time.Millisecond))
}

// report writes the final log line, which always states what the operator must do next
func (m *Machine) report(req *UpgradeRequest, o Outcome) {
	switch o.Kind {
	case OutcomeSucceeded:
		slog.Info("run_succeeded", "run_id", req.RunID, "request", req.String(), "artifact", o.Artifact)
	case OutcomeRolledBack:
		next := fmt.Sprintf("engine is back on version %s with an empty data directory; restore manually from %s", req.FromVersion, o.Artifact)
		if o.DataRestored {
			next = fmt.Sprintf("engine is back on version %s with the pre-upgrade backup restored", req.FromVersion)
		}
		slog.Error("run_rolled_back", "run_id", req.RunID, "stage", o.Stage, "reason", o.Reason, "next_step", next)
	default:
		next := "manual intervention required"
		if destructionFree(o.Stage) {
			next = "no changes were made to the engine"
		}
		slog.Error("run_failed", "run_id", req.RunID, "stage", o.Stage, "kind", o.ErrKind, "reason", o.Reason, "next_step", next)
	}
}

// destructionFree reports whether a failure at stage happened before any destructive step
func destructionFree(stage string) bool {
	switch stage {
	case stageLocking, StateBackingUp, StateVerifying, StateLocating:
		return true
	}
	return false
}

// restart starts the topology and waits for the engine to accept connections
func (m *Machine) restart(ctx context.Context, name string) error {
	if err := m.rt.StartTopology(ctx); err != nil {
		return errors.WithKind(errors.Wrap(err, "failed to start topology"), errors.KindRuntimeUnavailable)
	}
	if err := retry.Sleep(ctx, m.opts.RestartGrace); err != nil {
		return err
	}
	err := retry.Until(ctx, "engine_restart", m.opts.RestartBudget, func(ctx context.Context) (bool, error) {
		return m.rt.IsReady(ctx, name)
	})
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "engine "+name+" not ready after restart"), errors.KindRuntimeUnavailable)
	}
	return nil
}

// rollback returns the engine to the version it was upgraded from. It does
// not retry on its own failure.
func (m *Machine) rollback(ctx context.Context, st *runState, stage string, cause error) error {
	req := st.req
	m.logFailure(ctx, st, stage, cause)
	slog.Warn("rollback_start", "run_id", req.RunID, "failed_stage", stage, "version", req.FromVersion)

	err := m.timed(st, stageRollback, func() error {
		if err := m.resetter.QuiesceAndClean(ctx, req.ContainerName, req.DataDirectory); err != nil {
			return errors.Wrap(err, "rollback reset")
		}
		if err := m.config.SetVersion(req.FromVersion); err != nil {
			return errors.Wrap(err, "rollback reconfigure")
		}
		if err := m.rt.StartTopology(ctx); err != nil {
			return errors.WithKind(errors.Wrap(err, "rollback restart"), errors.KindRuntimeUnavailable)
		}
		return nil
	})

	artifact, _ := st.backup()
	if err != nil {
		slog.Error("rollback_failed", "run_id", req.RunID, "error", err)
		st.finish(Outcome{
			Kind:     OutcomeFailedHard,
			Stage:    stageRollback,
			ErrKind:  errors.KindOf(err),
			Reason:   fmt.Sprintf("%v (after %s failed: %v)", err, stage, cause),
			Artifact: artifactPath(artifact),
		})
		return fsm.Abort(err)
	}

	o := Outcome{
		Kind:     OutcomeRolledBack,
		Stage:    stage,
		ErrKind:  errors.KindOf(cause),
		Reason:   cause.Error(),
		Artifact: artifactPath(artifact),
	}
	if m.opts.RollbackRestore && artifact != nil {
		o.DataRestored = m.restoreAfterRollback(ctx, st, artifact)
	}
	st.finish(o)
	slog.Info("rollback_complete", "run_id", req.RunID, "version", req.FromVersion, "data_restored", o.DataRestored)
	return fsm.Abort(cause)
}

func (m *Machine) restoreAfterRollback(ctx context.Context, st *runState, artifact *backup.Artifact) bool {
	err := m.timed(st, StateRestoring, func() error {
		if err := retry.Sleep(ctx, m.opts.RestartGrace); err != nil {
			return err
		}
		if err := m.store.WaitReady(ctx, st.req.ContainerName); err != nil {
			return err
		}
		return m.store.Restore(ctx, st.req.ContainerName, artifact)
	})
	if err != nil {
		slog.Error("rollback_restore_failed", "run_id", st.req.RunID, "path", artifact.Path, "error", err)
		return false
	}
	return true
}

// logFailure logs a stage failure with the tail of the container's own log
func (m *Machine) logFailure(ctx context.Context, st *runState, stage string, err error) {
	attrs := []any{"run_id", st.req.RunID, "stage", stage, "kind", errors.KindOf(err), "error", err}

	if m.opts.LogTailLines > 0 {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		logs, lerr := m.rt.RecentLogs(lctx, st.req.ContainerName, m.opts.LogTailLines)
		if lerr != nil {
			attrs = append(attrs, "logs_error", lerr)
		} else if logs != "" {
			attrs = append(attrs, "container_logs", logs)
		}
	}
	slog.Error("stage_failed", attrs...)
}

// failHard records a terminal failure with no rollback and aborts the FSM
func (m *Machine) failHard(ctx context.Context, st *runState, stage string, err error) error {
	m.logFailure(ctx, st, stage, err)
	artifact, _ := st.backup()
	st.finish(Outcome{
		Kind:     OutcomeFailedHard,
		Stage:    stage,
		ErrKind:  errors.KindOf(err),
		Reason:   err.Error(),
		Artifact: artifactPath(artifact),
	})
	return fsm.Abort(err)
}

func (m *Machine) timed(st *runState, stage string, fn func() error) error {
	st.enter(stage)
	started := time.Now()
	err := fn()
	m.metrics.ObserveStage(string(st.req.Mode), stage, time.Since(started), err)
	return err
}

func (m *Machine) track(req *UpgradeRequest) *runState {
	st := &runState{req: *req}
	m.mu.Lock()
	m.runs[req.RunID] = st
	m.mu.Unlock()
	return st
}

func (m *Machine) untrack(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

func (m *Machine) state(runID string) (*runState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s is not tracked by this process", runID)
	}
	return st, nil
}

// runState is what a run accumulates across transitions
type runState struct {
	req UpgradeRequest

	mu       sync.Mutex
	stage    string
	artifact *backup.Artifact
	verified bool
	outcome  *Outcome
}

func (s *runState) enter(stage string) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}

func (s *runState) currentStage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *runState) setArtifact(a *backup.Artifact) {
	s.mu.Lock()
	s.artifact = a
	s.verified = false
	s.mu.Unlock()
}

func (s *runState) markVerified() {
	s.mu.Lock()
	s.verified = true
	s.mu.Unlock()
}

func (s *runState) backup() (*backup.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact, s.verified
}

// finish keeps the first outcome reported
func (s *runState) finish(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		s.outcome = &o
	}
}

func (s *runState) result() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		return *s.outcome
	}
	return Outcome{
		Kind:     OutcomeFailedHard,
		Stage:    s.stage,
		Reason:   "run ended without reaching a terminal state",
		Artifact: artifactPath(s.artifact),
	}
}

func artifactPath(a *backup.Artifact) string {
	if a == nil {
		return ""
	}
	return a.Path
}
