package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/fly-io/pgupgrade/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides ledger operations for runs, artifacts and locks
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// A single connection serializes writers; the lock table relies on it.
	db.SetMaxOpenConns(1)

	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateRun inserts a run in the running state
func (r *Repository) CreateRun(run *Run) error {
	slog.Debug("database_create_run", "run_id", run.ID, "mode", run.Mode, "container", run.Container)

	query := `
		INSERT INTO runs (id, mode, container, from_version, to_version, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if run.Status == "" {
		run.Status = RunRunning
	}
	if _, err := r.db.Exec(query, run.ID, run.Mode, run.Container, run.FromVersion, run.ToVersion, run.Status); err != nil {
		slog.Error("database_insert_run_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}
	return nil
}

// FinishRun records the terminal outcome of a run
func (r *Repository) FinishRun(run *Run) error {
	slog.Debug("database_finish_run", "run_id", run.ID, "status", run.Status, "stage", run.Stage)

	query := `
		UPDATE runs
		SET status = ?, stage = ?, kind = ?, reason = ?, artifact_path = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, run.Status, run.Stage, run.Kind, run.Reason, run.ArtifactPath, run.ID)
	if err != nil {
		slog.Error("database_finish_run_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%s", run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID, returning nil when absent
func (r *Repository) GetRun(id string) (*Run, error) {
	query := `
		SELECT id, mode, container, from_version, to_version, status, stage, kind, reason,
		       artifact_path, started_at, finished_at
		FROM runs WHERE id = ?
	`
	run, err := scanRun(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_run_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// ListRuns retrieves the most recent runs, optionally for one container
func (r *Repository) ListRuns(container string, limit int) ([]*Run, error) {
	query := `
		SELECT id, mode, container, from_version, to_version, status, stage, kind, reason,
		       artifact_path, started_at, finished_at
		FROM runs WHERE (? = '' OR container = ?) ORDER BY started_at DESC, rowid DESC LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(query, container, container, limit)
	if err != nil {
		slog.Error("database_list_runs_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var finishedAt sql.NullString
	err := s.Scan(
		&run.ID, &run.Mode, &run.Container, &run.FromVersion, &run.ToVersion,
		&run.Status, &run.Stage, &run.Kind, &run.Reason,
		&run.ArtifactPath, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.FinishedAt = finishedAt.String
	return &run, nil
}

// RecordArtifact catalogs a newly written dump as unverified. Re-recording a
// path refreshes its size and resets its verification.
func (r *Repository) RecordArtifact(version, timestamp, path string, size int64) error {
	slog.Debug("database_record_artifact", "version", version, "path", path, "size", size)

	query := `
		INSERT INTO artifacts (version, timestamp, path, size, status)
		VALUES (?, ?, ?, ?, 'unverified')
		ON CONFLICT(path) DO UPDATE SET
		    size = excluded.size, status = 'unverified', updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Exec(query, version, timestamp, path, size); err != nil {
		slog.Error("database_record_artifact_failed", "path", path, "error", err)
		return errors.Wrap(err, "failed to record artifact")
	}
	return nil
}

// SetArtifactStatus updates the verification status of a cataloged path
func (r *Repository) SetArtifactStatus(path, status string) error {
	query := `UPDATE artifacts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE path = ?`
	if _, err := r.db.Exec(query, status, path); err != nil {
		slog.Error("database_artifact_status_failed", "path", path, "status", status, "error", err)
		return errors.Wrap(err, "failed to update artifact status")
	}
	return nil
}

// SetArtifactOffsite records the object key of an uploaded copy
func (r *Repository) SetArtifactOffsite(path, key string) error {
	query := `UPDATE artifacts SET offsite_key = ?, updated_at = CURRENT_TIMESTAMP WHERE path = ?`
	if _, err := r.db.Exec(query, key, path); err != nil {
		return errors.Wrap(err, "failed to update artifact offsite key")
	}
	return nil
}

// ListArtifacts retrieves cataloged artifacts, newest first. An empty version lists all.
func (r *Repository) ListArtifacts(version string) ([]*Artifact, error) {
	query := `
		SELECT id, version, timestamp, path, size, status, offsite_key, created_at, updated_at
		FROM artifacts WHERE (? = '' OR version = ?) ORDER BY timestamp DESC, id DESC
	`
	rows, err := r.db.Query(query, version, version)
	if err != nil {
		slog.Error("database_list_artifacts_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.Version, &a.Timestamp, &a.Path, &a.Size, &a.Status,
			&a.OffsiteKey, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		artifacts = append(artifacts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return artifacts, nil
}

// AcquireLock takes the container lock for runID, failing with KindLocked
// when another run holds it
func (r *Repository) AcquireLock(ctx context.Context, container, runID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var holder string
	var acquiredAt string
	err = tx.QueryRowContext(ctx, "SELECT run_id, acquired_at FROM locks WHERE container = ?", container).Scan(&holder, &acquiredAt)
	switch {
	case err == nil:
		slog.Error("container_locked", "container", container, "holder", holder, "acquired_at", acquiredAt)
		return errors.Newf(errors.KindLocked,
			"container %s is locked by run %s since %s (use 'unlock' if that run is gone)", container, holder, acquiredAt)
	case err != sql.ErrNoRows:
		return errors.Wrap(err, "failed to query lock")
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO locks (container, run_id, pid) VALUES (?, ?, ?)", container, runID, os.Getpid()); err != nil {
		return errors.Wrap(err, "failed to insert lock")
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Debug("lock_acquired", "container", container, "run_id", runID)
	return nil
}

// ReleaseLock drops the container lock if runID still holds it
func (r *Repository) ReleaseLock(container, runID string) error {
	if _, err := r.db.Exec("DELETE FROM locks WHERE container = ? AND run_id = ?", container, runID); err != nil {
		slog.Error("lock_release_failed", "container", container, "run_id", runID, "error", err)
		return errors.Wrap(err, "failed to release lock")
	}
	slog.Debug("lock_released", "container", container, "run_id", runID)
	return nil
}

// ForceReleaseLock drops any lock on the container, reporting whether one existed
func (r *Repository) ForceReleaseLock(container string) (*Lock, error) {
	lock, err := r.GetLock(container)
	if err != nil || lock == nil {
		return nil, err
	}
	if _, err := r.db.Exec("DELETE FROM locks WHERE container = ?", container); err != nil {
		return nil, errors.Wrap(err, "failed to delete lock")
	}
	slog.Warn("lock_force_released", "container", container, "run_id", lock.RunID, "pid", lock.PID)
	return lock, nil
}

// GetLock returns the lock on container, or nil
func (r *Repository) GetLock(container string) (*Lock, error) {
	var l Lock
	err := r.db.QueryRow("SELECT container, run_id, pid, acquired_at FROM locks WHERE container = ?", container).
		Scan(&l.Container, &l.RunID, &l.PID, &l.AcquiredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query lock")
	}
	return &l, nil
}
