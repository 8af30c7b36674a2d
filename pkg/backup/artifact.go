package backup

import (
	"fmt"
	"regexp"
	"sort"
)

// Verification states of an artifact
const (
	StatusUnverified = "unverified"
	StatusVerified   = "verified"
	StatusFailed     = "failed"
)

// DumpCompleteMarker is the trailer pg_dumpall writes once it finished
const DumpCompleteMarker = "-- PostgreSQL database cluster dump complete"

// TimestampLayout is the run timestamp embedded in artifact names
const TimestampLayout = "20060102_150405"

var artifactName = regexp.MustCompile(`^dump_v(.+?)(?:_(\d{8}_\d{6}))?\.sql$`)

// Artifact is one logical dump on disk, keyed by (Version, Timestamp).
// Timestamp is empty for artifacts named without one.
type Artifact struct {
	Version    string
	Timestamp  string
	Path       string
	Size       int64
	Status     string
	OffsiteKey string
}

// FileName returns the artifact file name for a version and timestamp
func FileName(version, timestamp string) string {
	if timestamp == "" {
		return fmt.Sprintf("dump_v%s.sql", version)
	}
	return fmt.Sprintf("dump_v%s_%s.sql", version, timestamp)
}

// ParseFileName extracts version and timestamp from an artifact file name
func ParseFileName(name string) (version, timestamp string, ok bool) {
	m := artifactName.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// sortNewestFirst orders by timestamp descending; untimestamped artifacts sort last
func sortNewestFirst(artifacts []*Artifact) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		a, b := artifacts[i], artifacts[j]
		if (a.Timestamp == "") != (b.Timestamp == "") {
			return b.Timestamp == ""
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		return a.Version < b.Version
	})
}
