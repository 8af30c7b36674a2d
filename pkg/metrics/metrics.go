// Package metrics records run outcomes and stage timings for node_exporter's
// textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800}

// Recorder holds the collectors of one process. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
	backupBytes   *prometheus.GaugeVec
	lastRun       *prometheus.GaugeVec
}

// NewRecorder registers the collectors on a private registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgupgrade",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each orchestration stage",
			Buckets:   stageBuckets,
		}, []string{"mode", "stage", "result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgupgrade",
			Name:      "runs_total",
			Help:      "Number of runs by terminal outcome",
		}, []string{"mode", "outcome"}),
		backupBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgupgrade",
			Name:      "backup_size_bytes",
			Help:      "Size of the most recent backup per version",
		}, []string{"version"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgupgrade",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run",
		}, []string{"mode"}),
	}
	r.registry.MustRegister(r.stageDuration, r.outcomes, r.backupBytes, r.lastRun)
	return r
}

// ObserveStage records how long a stage took
func (r *Recorder) ObserveStage(mode, stage string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.stageDuration.WithLabelValues(mode, stage, result).Observe(d.Seconds())
}

// RecordOutcome counts a finished run
func (r *Recorder) RecordOutcome(mode, outcome string, at time.Time) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(mode, outcome).Inc()
	r.lastRun.WithLabelValues(mode).Set(float64(at.Unix()))
}

// RecordBackup tracks the size of a fresh backup
func (r *Recorder) RecordBackup(version string, size int64) {
	if r == nil {
		return
	}
	r.backupBytes.WithLabelValues(version).Set(float64(size))
}

// Gatherer exposes the registry
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the current values to path atomically. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
