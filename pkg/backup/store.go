// Package backup creates, verifies and locates logical dumps of the engine.
package backup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fly-io/pgupgrade/pkg/db"
	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/retry"
	"github.com/fly-io/pgupgrade/pkg/runtime"
	"github.com/fly-io/pgupgrade/pkg/security"
	"github.com/fly-io/pgupgrade/pkg/storage"
)

// trailerSize bounds how much of the file end Verify reads
const trailerSize = 64 * 1024

// partialSuffix marks a dump that is still being written
const partialSuffix = ".partial"

// Offsite stores artifact copies away from the host
type Offsite interface {
	Upload(ctx context.Context, localPath, key string) (*storage.TransferResult, error)
	Download(ctx context.Context, key, localPath string) (*storage.TransferResult, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Options configures a Store
type Options struct {
	// Root is the backup directory, created on first dump
	Root   string
	DBUser string
	// ReadyBudget bounds the wait for the engine before dumping or restoring
	ReadyBudget retry.Budget
	// OffsitePrefix is prepended to object keys
	OffsitePrefix string
	// ProgressEvery controls how often streaming progress is logged
	ProgressEvery int64
	Now           func() time.Time
}

// Store owns artifact identity and verification
type Store struct {
	rt        runtime.Runtime
	repo      *db.Repository
	offsite   Offsite
	opts      Options
	validator *security.Validator
}

// NewStore creates a backup store. repo and offsite may be nil.
func NewStore(rt runtime.Runtime, repo *db.Repository, offsite Offsite, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 64 << 20
	}
	if opts.DBUser == "" {
		opts.DBUser = "postgres"
	}
	return &Store{
		rt:        rt,
		repo:      repo,
		offsite:   offsite,
		opts:      opts,
		validator: security.DefaultValidator(),
	}
}

// Root returns the backup directory
func (s *Store) Root() string { return s.opts.Root }

// WaitReady polls the engine until it accepts connections or the budget runs out
func (s *Store) WaitReady(ctx context.Context, container string) error {
	err := retry.Until(ctx, "engine_ready", s.opts.ReadyBudget, func(ctx context.Context) (bool, error) {
		return s.rt.IsReady(ctx, container)
	})
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "engine "+container+" not ready"), errors.KindRuntimeUnavailable)
	}
	return nil
}

// Create dumps every database of the engine into a new artifact for version
func (s *Store) Create(ctx context.Context, container, version string) (*Artifact, error) {
	slog.Info("backup_create_start", "container", container, "version", version)

	if err := s.WaitReady(ctx, container); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.opts.Root, 0755); err != nil {
		slog.Error("backup_dir_creation_failed", "path", s.opts.Root, "error", err)
		return nil, errors.WithKind(errors.Wrap(err, "failed to create backup dir"), errors.KindDumpFailed)
	}

	timestamp := s.opts.Now().Format(TimestampLayout)
	artifactPath := filepath.Join(s.opts.Root, FileName(version, timestamp))
	if _, err := os.Lstat(artifactPath); err == nil {
		slog.Error("backup_name_taken", "path", artifactPath)
		return nil, errors.Newf(errors.KindDumpFailed, "backup %s already exists", artifactPath)
	}

	// The dump only appears under its artifact name once it is complete
	partialPath := artifactPath + partialSuffix
	f, err := os.OpenFile(partialPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		slog.Error("backup_file_creation_failed", "path", partialPath, "error", err)
		return nil, errors.WithKind(errors.Wrap(err, "failed to create backup file"), errors.KindDumpFailed)
	}
	published := false
	defer func() {
		if !published {
			os.Remove(partialPath)
		}
	}()

	started := time.Now()
	sink := newProgressWriter(f, s.opts.ProgressEvery, func(n int64) {
		slog.Info("dump_progress", "path", partialPath, "written", humanize.IBytes(uint64(n)))
	})
	code, err := s.rt.ExecStreaming(ctx, container, []string{"pg_dumpall", "-U", s.opts.DBUser}, nil, sink)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		slog.Error("dump_failed", "container", container, "path", partialPath, "error", err)
		return nil, errors.WithKind(errors.Wrap(err, "pg_dumpall"), errors.KindDumpFailed)
	}
	if code != 0 {
		slog.Error("dump_failed", "container", container, "path", partialPath, "exit_code", code)
		return nil, errors.Newf(errors.KindDumpFailed, "pg_dumpall exited with code %d", code)
	}

	info, err := os.Stat(partialPath)
	if err != nil {
		slog.Error("dump_missing", "path", partialPath, "error", err)
		return nil, errors.WithKind(errors.Wrap(err, "backup file missing"), errors.KindDumpFailed)
	}
	if info.Size() == 0 {
		slog.Error("dump_empty", "path", partialPath)
		return nil, errors.Newf(errors.KindDumpFailed, "backup file %s is empty", artifactPath)
	}

	// Link fails if the name was taken meanwhile; an artifact is never replaced
	if err := os.Link(partialPath, artifactPath); err != nil {
		slog.Error("backup_publish_failed", "path", artifactPath, "error", err)
		return nil, errors.WithKind(errors.Wrap(err, "failed to publish backup"), errors.KindDumpFailed)
	}
	published = true
	if err := os.Remove(partialPath); err != nil {
		slog.Warn("backup_partial_cleanup_failed", "path", partialPath, "error", err)
	}

	artifact := &Artifact{
		Version:   version,
		Timestamp: timestamp,
		Path:      artifactPath,
		Size:      info.Size(),
		Status:    StatusUnverified,
	}

	if s.repo != nil {
		if err := s.repo.RecordArtifact(version, timestamp, artifactPath, artifact.Size); err != nil {
			slog.Warn("catalog_record_failed", "path", artifactPath, "error", err)
		}
	}

	slog.Info("backup_created",
		"path", artifactPath,
		"size", humanize.IBytes(uint64(artifact.Size)),
		"duration", time.Since(started).Round(time.Millisecond),
	)
	return artifact, nil
}

// Verify checks that the dump tool reported completion. It does not
// validate dump content.
func (s *Store) Verify(ctx context.Context, a *Artifact) error {
	err := s.verify(a)
	status := StatusVerified
	if err != nil {
		status = StatusFailed
	}
	a.Status = status

	if s.repo != nil {
		if cerr := s.repo.SetArtifactStatus(a.Path, status); cerr != nil {
			slog.Warn("catalog_status_failed", "path", a.Path, "error", cerr)
		}
	}

	if err != nil {
		slog.Error("backup_verification_failed", "path", a.Path, "error", err)
		return err
	}
	slog.Info("backup_verified", "path", a.Path)
	return nil
}

func (s *Store) verify(a *Artifact) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "backup file unreadable"), errors.KindVerificationFailed)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "backup file unreadable"), errors.KindVerificationFailed)
	}
	offset := info.Size() - trailerSize
	if offset < 0 {
		offset = 0
	}
	trailer := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(trailer, offset); err != nil && err != io.EOF {
		return errors.WithKind(errors.Wrap(err, "failed to read backup trailer"), errors.KindVerificationFailed)
	}
	if !bytes.Contains(trailer, []byte(DumpCompleteMarker)) {
		return errors.Newf(errors.KindVerificationFailed, "backup %s lacks completion marker", filepath.Base(a.Path))
	}
	return nil
}

// List enumerates the artifacts on disk, newest first. An empty version lists all.
// It only reads the backup directory.
func (s *Store) List(version string) ([]*Artifact, error) {
	entries, err := os.ReadDir(s.opts.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read backup dir")
	}

	statuses := map[string]*db.Artifact{}
	if s.repo != nil {
		if cataloged, err := s.repo.ListArtifacts(version); err == nil {
			for _, c := range cataloged {
				statuses[c.Path] = c
			}
		}
	}

	var artifacts []*Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		v, ts, ok := ParseFileName(entry.Name())
		if !ok || (version != "" && v != version) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		a := &Artifact{
			Version:   v,
			Timestamp: ts,
			Path:      filepath.Join(s.opts.Root, entry.Name()),
			Size:      info.Size(),
			Status:    StatusUnverified,
		}
		if c, ok := statuses[a.Path]; ok {
			a.Status = c.Status
			a.OffsiteKey = c.OffsiteKey
		}
		artifacts = append(artifacts, a)
	}

	sortNewestFirst(artifacts)
	return artifacts, nil
}

// Locate returns the newest artifact for version that has not failed
// verification, falling back to the offsite copy when none exists locally
func (s *Store) Locate(ctx context.Context, version string) (*Artifact, error) {
	local, err := s.List(version)
	if err != nil {
		return nil, err
	}
	skipped := 0
	for _, a := range local {
		if a.Status == StatusFailed {
			slog.Warn("backup_skipped_failed", "version", version, "path", a.Path)
			skipped++
			continue
		}
		slog.Info("backup_located", "version", version, "path", a.Path, "skipped_failed", skipped)
		return a, nil
	}

	if s.offsite != nil {
		a, err := s.fetchOffsite(ctx, version)
		if err != nil {
			slog.Warn("offsite_lookup_failed", "version", version, "error", err)
		} else if a != nil {
			return a, nil
		}
	}

	slog.Error("backup_not_found", "version", version, "root", s.opts.Root, "failed_skipped", skipped)
	return nil, errors.Newf(errors.KindNotFound, "no backup for version %s in %s", version, s.opts.Root)
}

func (s *Store) fetchOffsite(ctx context.Context, version string) (*Artifact, error) {
	keys, err := s.offsite.ListObjects(ctx, s.opts.OffsitePrefix+"dump_v"+version)
	if err != nil {
		return nil, err
	}

	var candidates []*Artifact
	for _, key := range keys {
		name := path.Base(key)
		v, ts, ok := ParseFileName(name)
		if !ok || v != version {
			continue
		}
		if err := s.validator.ValidatePath(name); err != nil {
			continue
		}
		candidates = append(candidates, &Artifact{Version: v, Timestamp: ts, OffsiteKey: key})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortNewestFirst(candidates)
	a := candidates[0]

	if err := os.MkdirAll(s.opts.Root, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create backup dir")
	}
	a.Path = filepath.Join(s.opts.Root, FileName(a.Version, a.Timestamp))
	res, err := s.offsite.Download(ctx, a.OffsiteKey, a.Path)
	if err != nil {
		return nil, err
	}
	a.Size = res.Size
	a.Status = StatusUnverified

	if s.repo != nil {
		if err := s.repo.RecordArtifact(a.Version, a.Timestamp, a.Path, a.Size); err == nil {
			s.repo.SetArtifactOffsite(a.Path, a.OffsiteKey)
		}
	}
	slog.Info("backup_fetched_offsite", "version", version, "key", a.OffsiteKey, "path", a.Path)
	return a, nil
}

// Replicate uploads a verified artifact offsite. Without an offsite store it is a no-op.
func (s *Store) Replicate(ctx context.Context, a *Artifact) error {
	if s.offsite == nil {
		return nil
	}
	key := s.opts.OffsitePrefix + filepath.Base(a.Path)

	exists, err := s.offsite.Exists(ctx, key)
	if err != nil {
		return errors.Wrap(err, "offsite existence check")
	}
	if !exists {
		if _, err := s.offsite.Upload(ctx, a.Path, key); err != nil {
			return errors.Wrap(err, "offsite upload")
		}
	}

	a.OffsiteKey = key
	if s.repo != nil {
		if err := s.repo.SetArtifactOffsite(a.Path, key); err != nil {
			slog.Warn("catalog_offsite_failed", "path", a.Path, "error", err)
		}
	}
	slog.Info("backup_replicated", "path", a.Path, "key", key, "skipped_upload", exists)
	return nil
}

// Restore feeds the artifact to psql inside the container
func (s *Store) Restore(ctx context.Context, container string, a *Artifact) error {
	slog.Info("restore_start", "container", container, "path", a.Path, "size", humanize.IBytes(uint64(a.Size)))

	f, err := os.Open(a.Path)
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "failed to open backup"), errors.KindRestoreFailed)
	}
	defer f.Close()

	started := time.Now()
	src := newProgressReader(f, s.opts.ProgressEvery, func(n int64) {
		slog.Info("restore_progress", "path", a.Path, "read", humanize.IBytes(uint64(n)))
	})
	code, err := s.rt.ExecStreaming(ctx, container, []string{"psql", "-U", s.opts.DBUser, "-d", "postgres", "-q"}, src, io.Discard)
	if err != nil {
		slog.Error("restore_failed", "container", container, "error", err)
		return errors.WithKind(errors.Wrap(err, "psql"), errors.KindRestoreFailed)
	}
	if code != 0 {
		slog.Error("restore_failed", "container", container, "exit_code", code)
		return errors.Newf(errors.KindRestoreFailed, "psql exited with code %d", code)
	}

	slog.Info("restore_complete", "container", container, "path", a.Path, "duration", time.Since(started).Round(time.Millisecond))
	return nil
}
