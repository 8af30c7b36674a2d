// Package datadir quiesces the engine and empties its data directory.
package datadir

import (
	"context"
	"log/slog"
	"time"

	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/retry"
	"github.com/fly-io/pgupgrade/pkg/runtime"
)

// DefaultShutdownBudget bounds the wait for the engine to stop accepting connections
var DefaultShutdownBudget = retry.Budget{Attempts: 10, Interval: 2 * time.Second}

// Resetter destroys engine state ahead of a version swap
type Resetter struct {
	rt      runtime.Runtime
	service string
	budget  retry.Budget
}

// NewResetter creates a resetter that cleans through ephemeral runs of service
func NewResetter(rt runtime.Runtime, service string, budget retry.Budget) *Resetter {
	if budget.Attempts <= 0 {
		budget = DefaultShutdownBudget
	}
	return &Resetter{rt: rt, service: service, budget: budget}
}

// QuiesceAndClean stops the engine gracefully, stops the topology and deletes
// everything inside dataDir. The directory itself is kept. An engine that is
// already stopped goes straight to the cleanup.
//
// The caller must hold a verified backup; this is irreversible.
func (r *Resetter) QuiesceAndClean(ctx context.Context, name, dataDir string) error {
	slog.Info("reset_start", "container", name, "data_dir", dataDir)

	running, err := r.rt.IsRunning(ctx, name)
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "failed to inspect "+name), errors.KindRuntimeUnavailable)
	}

	if running {
		if err := r.stopEngine(ctx, name, dataDir); err != nil {
			return err
		}
		if err := r.rt.StopTopology(ctx); err != nil {
			slog.Error("topology_stop_failed", "error", err)
			return errors.WithKind(errors.Wrap(err, "failed to stop topology"), errors.KindRuntimeUnavailable)
		}
	} else {
		slog.Info("engine_already_stopped", "container", name)
	}

	cmd := []string{"find", dataDir, "-mindepth", "1", "-delete"}
	if err := r.rt.RunEphemeral(ctx, r.service, cmd); err != nil {
		slog.Error("data_dir_clean_failed", "data_dir", dataDir, "error", err)
		return errors.WithKind(errors.Wrap(err, "failed to clean "+dataDir), errors.KindRuntimeUnavailable)
	}

	slog.Info("reset_complete", "container", name, "data_dir", dataDir)
	return nil
}

func (r *Resetter) stopEngine(ctx context.Context, name, dataDir string) error {
	res, err := r.rt.Exec(ctx, name, []string{"pg_ctl", "stop", "-D", dataDir, "-m", "fast"})
	if err != nil {
		slog.Warn("graceful_stop_failed", "container", name, "error", err)
	} else if res.ExitCode != 0 {
		slog.Warn("graceful_stop_failed", "container", name, "exit_code", res.ExitCode, "output", res.Output)
	}

	err = retry.Until(ctx, "engine_shutdown", r.budget, func(ctx context.Context) (bool, error) {
		ready, err := r.rt.IsReady(ctx, name)
		if err != nil {
			// The container exits with its main process
			if running, rerr := r.rt.IsRunning(ctx, name); rerr == nil && !running {
				return true, nil
			}
			return false, err
		}
		return !ready, nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	slog.Error("shutdown_timeout", "container", name, "budget", r.budget.Total())
	return errors.WithKind(errors.Wrap(err, "engine still accepting connections"), errors.KindShutdownTimeout)
}
