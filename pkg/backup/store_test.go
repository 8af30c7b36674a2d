package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fly-io/pgupgrade/pkg/db"
	"github.com/fly-io/pgupgrade/pkg/errors"
	"github.com/fly-io/pgupgrade/pkg/retry"
	"github.com/fly-io/pgupgrade/pkg/runtime/runtimetest"
	"github.com/fly-io/pgupgrade/pkg/storage"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC) }

func newTestStore(t *testing.T, rt *runtimetest.Fake, offsite Offsite) (*Store, *db.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := db.NewRepository(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := NewStore(rt, repo, offsite, Options{
		Root:          filepath.Join(dir, "backups"),
		ReadyBudget:   retry.Budget{Attempts: 3, Interval: time.Millisecond},
		OffsitePrefix: "pg/",
		Now:           fixedNow,
	})
	return store, repo
}

// fakeOffsite keeps objects in memory
type fakeOffsite struct {
	objects map[string][]byte
	uploads int
}

func newFakeOffsite() *fakeOffsite { return &fakeOffsite{objects: map[string][]byte{}} }

func (f *fakeOffsite) Upload(ctx context.Context, localPath, key string) (*storage.TransferResult, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	f.uploads++
	return &storage.TransferResult{Key: key, LocalPath: localPath, Size: int64(len(data))}, nil
}

func (f *fakeOffsite) Download(ctx context.Context, key, localPath string) (*storage.TransferResult, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no such key")
	}
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return nil, err
	}
	return &storage.TransferResult{Key: key, LocalPath: localPath, Size: int64(len(data))}, nil
}

func (f *fakeOffsite) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeOffsite) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func TestStore_CreateAndVerify(t *testing.T) {
	rt := runtimetest.NewFake()
	store, repo := newTestStore(t, rt, nil)
	ctx := context.Background()

	a, err := store.Create(ctx, "pg", "13")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	wantName := "dump_v13_20240301_123000.sql"
	if filepath.Base(a.Path) != wantName {
		t.Errorf("artifact name = %s, want %s", filepath.Base(a.Path), wantName)
	}
	if a.Size != int64(len(runtimetest.DefaultDump)) {
		t.Errorf("artifact size = %d, want %d", a.Size, len(runtimetest.DefaultDump))
	}
	if a.Status != StatusUnverified {
		t.Errorf("new artifact status = %s", a.Status)
	}

	if err := store.Verify(ctx, a); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if a.Status != StatusVerified {
		t.Errorf("status after verify = %s", a.Status)
	}

	cataloged, _ := repo.ListArtifacts("13")
	if len(cataloged) != 1 || cataloged[0].Status != StatusVerified {
		t.Errorf("catalog not updated: %+v", cataloged)
	}
}

func TestStore_CreateFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*runtimetest.Fake)
		kind  errors.Kind
	}{
		{
			name:  "zero-length dump",
			setup: func(f *runtimetest.Fake) { f.DumpOutput = nil },
			kind:  errors.KindDumpFailed,
		},
		{
			name:  "dump exits non-zero",
			setup: func(f *runtimetest.Fake) { f.DumpExit = 1 },
			kind:  errors.KindDumpFailed,
		},
		{
			name:  "engine never ready",
			setup: func(f *runtimetest.Fake) { f.Ready = false },
			kind:  errors.KindRuntimeUnavailable,
		},
		{
			name:  "runtime unavailable",
			setup: func(f *runtimetest.Fake) { f.Unavailable = true },
			kind:  errors.KindRuntimeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := runtimetest.NewFake()
			tt.setup(rt)
			store, _ := newTestStore(t, rt, nil)

			_, err := store.Create(context.Background(), "pg", "13")
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err: %v)", got, tt.kind, err)
			}

			// A failed dump leaves nothing behind, partial or published
			entries, _ := os.ReadDir(store.Root())
			for _, e := range entries {
				t.Errorf("leftover file after failed dump: %s", e.Name())
			}
		})
	}
}

func TestStore_CreateNeverReplacesArtifact(t *testing.T) {
	rt := runtimetest.NewFake()
	store, _ := newTestStore(t, rt, nil)
	ctx := context.Background()

	first, err := store.Create(ctx, "pg", "13")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Same clock reading, so the second dump maps to the same name
	rt.DumpOutput = []byte("-- different\n")
	_, err = store.Create(ctx, "pg", "13")
	if !errors.IsKind(err, errors.KindDumpFailed) {
		t.Fatalf("expected DumpFailed on name clash, got %v", err)
	}

	data, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(runtimetest.DefaultDump) {
		t.Error("existing artifact was overwritten")
	}
	if _, err := os.Stat(first.Path + partialSuffix); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestStore_VerifyWithoutMarker(t *testing.T) {
	rt := runtimetest.NewFake()
	rt.DumpOutput = []byte("CREATE TABLE t (id int);\n")
	store, _ := newTestStore(t, rt, nil)
	ctx := context.Background()

	a, err := store.Create(ctx, "pg", "13")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err = store.Verify(ctx, a)
	if !errors.IsKind(err, errors.KindVerificationFailed) {
		t.Errorf("expected VerificationFailed, got %v", err)
	}
	if a.Status != StatusFailed {
		t.Errorf("status = %s, want failed", a.Status)
	}
}

func TestStore_VerifyMissingFile(t *testing.T) {
	store, _ := newTestStore(t, runtimetest.NewFake(), nil)

	err := store.Verify(context.Background(), &Artifact{Version: "13", Path: filepath.Join(t.TempDir(), "gone.sql")})
	if !errors.IsKind(err, errors.KindVerificationFailed) {
		t.Errorf("expected VerificationFailed, got %v", err)
	}
}

func TestStore_LocatePicksNewest(t *testing.T) {
	store, _ := newTestStore(t, runtimetest.NewFake(), nil)
	root := store.Root()
	os.MkdirAll(root, 0755)

	for _, name := range []string{
		"dump_v13.sql",
		"dump_v13_20240101_000000.sql",
		"dump_v13_20240201_000000.sql",
		"dump_v14_20240301_000000.sql",
		"notes.txt",
	} {
		os.WriteFile(filepath.Join(root, name), []byte("x"), 0644)
	}

	a, err := store.Locate(context.Background(), "13")
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}
	if filepath.Base(a.Path) != "dump_v13_20240201_000000.sql" {
		t.Errorf("located %s, want newest timestamped dump", filepath.Base(a.Path))
	}

	all, _ := store.List("13")
	if len(all) != 3 {
		t.Fatalf("expected 3 artifacts for 13, got %d", len(all))
	}
	if all[2].Timestamp != "" {
		t.Errorf("untimestamped artifact should sort last, got %+v", all[2])
	}
}

func TestStore_LocateSkipsFailedVerification(t *testing.T) {
	rt := runtimetest.NewFake()
	store, repo := newTestStore(t, rt, nil)
	ctx := context.Background()

	good, err := store.Create(ctx, "pg", "13")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Verify(ctx, good); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	broken := filepath.Join(store.Root(), "dump_v13_20240401_000000.sql")
	os.WriteFile(broken, []byte("CREATE TABLE t (id int);\n"), 0644)
	repo.RecordArtifact("13", "20240401_000000", broken, 25)
	if err := store.Verify(ctx, &Artifact{Version: "13", Path: broken}); err == nil {
		t.Fatal("expected verification to fail")
	}

	a, err := store.Locate(ctx, "13")
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}
	if a.Path != good.Path {
		t.Errorf("located %s, want the older verified %s", filepath.Base(a.Path), filepath.Base(good.Path))
	}
}

func TestStore_LocateOnlyFailed(t *testing.T) {
	store, repo := newTestStore(t, runtimetest.NewFake(), nil)
	os.MkdirAll(store.Root(), 0755)
	broken := filepath.Join(store.Root(), "dump_v13_20240401_000000.sql")
	os.WriteFile(broken, []byte("x"), 0644)
	repo.RecordArtifact("13", "20240401_000000", broken, 1)
	store.Verify(context.Background(), &Artifact{Version: "13", Path: broken})

	_, err := store.Locate(context.Background(), "13")
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestStore_LocateUntimestampedOnly(t *testing.T) {
	store, _ := newTestStore(t, runtimetest.NewFake(), nil)
	os.MkdirAll(store.Root(), 0755)
	os.WriteFile(filepath.Join(store.Root(), "dump_v13.sql"), []byte("x"), 0644)

	a, err := store.Locate(context.Background(), "13")
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}
	if a.Timestamp != "" || a.Version != "13" {
		t.Errorf("unexpected artifact: %+v", a)
	}
}

func TestStore_LocateNotFound(t *testing.T) {
	store, _ := newTestStore(t, runtimetest.NewFake(), nil)

	_, err := store.Locate(context.Background(), "13")
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestStore_ReplicateAndOffsiteFallback(t *testing.T) {
	rt := runtimetest.NewFake()
	offsite := newFakeOffsite()
	store, repo := newTestStore(t, rt, offsite)
	ctx := context.Background()

	a, err := store.Create(ctx, "pg", "13")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Replicate(ctx, a); err != nil {
		t.Fatalf("replicate failed: %v", err)
	}
	if a.OffsiteKey != "pg/dump_v13_20240301_123000.sql" {
		t.Errorf("offsite key = %s", a.OffsiteKey)
	}

	// Second replication finds the object and skips the upload
	if err := store.Replicate(ctx, a); err != nil {
		t.Fatalf("replicate failed: %v", err)
	}
	if offsite.uploads != 1 {
		t.Errorf("expected 1 upload, got %d", offsite.uploads)
	}

	// Lose the local copy; Locate downloads it back
	os.Remove(a.Path)
	located, err := store.Locate(ctx, "13")
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}
	if located.Path != a.Path || located.OffsiteKey != a.OffsiteKey {
		t.Errorf("unexpected located artifact: %+v", located)
	}
	if err := store.Verify(ctx, located); err != nil {
		t.Errorf("downloaded artifact should verify: %v", err)
	}

	cataloged, _ := repo.ListArtifacts("13")
	if len(cataloged) != 1 || cataloged[0].OffsiteKey == "" {
		t.Errorf("catalog should carry offsite key: %+v", cataloged)
	}
}

func TestStore_Restore(t *testing.T) {
	rt := runtimetest.NewFake()
	store, _ := newTestStore(t, rt, nil)
	ctx := context.Background()

	a, err := store.Create(ctx, "pg", "13")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := store.Restore(ctx, "pg", a); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(rt.Restored) != 1 || string(rt.Restored[0]) != string(runtimetest.DefaultDump) {
		t.Errorf("restore did not stream the artifact")
	}

	rt.RestoreExits = []int{2}
	if err := store.Restore(ctx, "pg", a); errors.KindOf(err) != errors.KindRestoreFailed {
		t.Errorf("expected RestoreFailed, got %v", err)
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		timestamp string
		ok        bool
	}{
		{"dump_v13_20240101_000000.sql", "13", "20240101_000000", true},
		{"dump_v16.2_20240101_000000.sql", "16.2", "20240101_000000", true},
		{"dump_v13.sql", "13", "", true},
		{"dump_13.sql", "", "", false},
		{"dump_v13_20240101_000000.sql.partial", "", "", false},
	}

	for _, tt := range tests {
		v, ts, ok := ParseFileName(tt.name)
		if ok != tt.ok || v != tt.version || ts != tt.timestamp {
			t.Errorf("ParseFileName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.name, v, ts, ok, tt.version, tt.timestamp, tt.ok)
		}
		if ok && FileName(v, ts) != tt.name {
			t.Errorf("FileName(%q, %q) does not round-trip %q", v, ts, tt.name)
		}
	}
}

func TestProgressWriter(t *testing.T) {
	var reports []int64
	var sink strings.Builder
	w := newProgressWriter(&sink, 10, func(n int64) { reports = append(reports, n) })

	w.Write([]byte("12345"))
	w.Write([]byte("1234567890123"))
	w.Write([]byte("12"))

	if len(reports) != 2 || reports[0] != 18 || reports[1] != 20 {
		t.Errorf("unexpected reports: %v", reports)
	}
}
