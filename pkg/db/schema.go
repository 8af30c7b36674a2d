package db

// Schema defines the SQLite ledger kept next to the backups.
// runs records every orchestration outcome, artifacts catalogs every dump
// this tool wrote, and locks holds at most one active run per container.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    container TEXT NOT NULL,
    from_version TEXT NOT NULL DEFAULT '',
    to_version TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'rolled_back', 'failed_hard')),
    stage TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    artifact_path TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_container ON runs(container);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version TEXT NOT NULL,
    timestamp TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL UNIQUE,
    size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('unverified', 'verified', 'failed')),
    offsite_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_artifacts_version ON artifacts(version);

CREATE TABLE IF NOT EXISTS locks (
    container TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    pid INTEGER NOT NULL,
    acquired_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Run status constants
const (
	RunRunning    = "running"
	RunSucceeded  = "succeeded"
	RunRolledBack = "rolled_back"
	RunFailedHard = "failed_hard"
)

// Run is one orchestration run
type Run struct {
	ID           string
	Mode         string
	Container    string
	FromVersion  string
	ToVersion    string
	Status       string
	Stage        string
	Kind         string
	Reason       string
	ArtifactPath string
	StartedAt    string
	FinishedAt   string
}

// Artifact is a cataloged backup file
type Artifact struct {
	ID         int64
	Version    string
	Timestamp  string
	Path       string
	Size       int64
	Status     string
	OffsiteKey string
	CreatedAt  string
	UpdatedAt  string
}

// Lock is the active run holding a container
type Lock struct {
	Container  string
	RunID      string
	PID        int
	AcquiredAt string
}
