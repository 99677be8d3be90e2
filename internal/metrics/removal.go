package metrics

import (
	"io/fs"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rmtree/internal/remover"
)

// Removal subsystem metrics
var (
	// RunsTotal counts removal runs by trigger (schedule, manual, api, cli) and outcome
	RunsTotal *prometheus.CounterVec

	// EntriesRemovedTotal counts files, links and directories removed
	EntriesRemovedTotal prometheus.Counter

	// EntryFailuresTotal counts per-entry failures by error kind
	EntryFailuresTotal *prometheus.CounterVec

	// BytesRemovedTotal sums the sizes of removed regular files
	BytesRemovedTotal prometheus.Counter

	// RunDuration tracks how long each removal run takes
	RunDuration prometheus.Histogram

	// LastRunTimestamp records the Unix time of the last finished run
	LastRunTimestamp prometheus.Gauge
)

const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeDryRun  = "dry_run"
)

func initRemovalMetrics() {
	RunsTotal = NewCounterVec(
		"rmtree_runs_total",
		"Total removal runs.",
		[]string{"trigger", "outcome"},
	)

	EntriesRemovedTotal = NewCounter(
		"rmtree_entries_removed_total",
		"Total filesystem entries removed.",
	)

	EntryFailuresTotal = NewCounterVec(
		"rmtree_entry_failures_total",
		"Total entries that could not be removed or enumerated.",
		[]string{"kind"},
	)

	BytesRemovedTotal = NewCounter(
		"rmtree_bytes_removed_total",
		"Total bytes of regular files removed.",
	)

	RunDuration = NewDurationHistogram(
		"rmtree_run_duration_seconds",
		"Duration of removal runs in seconds.",
	)

	LastRunTimestamp = NewGauge(
		"rmtree_last_run_timestamp",
		"Timestamp of the last removal run (Unix epoch seconds).",
	)
}

func registerRemovalMetrics() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(EntriesRemovedTotal)
	prometheus.MustRegister(EntryFailuresTotal)
	prometheus.MustRegister(BytesRemovedTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(LastRunTimestamp)
}

// Outcome maps a Result to its runs_total outcome label.
func Outcome(res remover.Result) string {
	switch {
	case res.DryRun:
		return OutcomeDryRun
	case res.OK:
		return OutcomeOK
	default:
		return OutcomePartial
	}
}

// RecordRun records one finished removal run.
func RecordRun(trigger string, res remover.Result) {
	RunsTotal.WithLabelValues(trigger, Outcome(res)).Inc()
	RunDuration.Observe(res.Duration.Seconds())
	LastRunTimestamp.Set(float64(time.Now().Unix()))
}

// Observer feeds per-entry counters from a remover walk.
// Dry-run walks only count failures.
type Observer struct {
	DryRun bool
}

func (o Observer) EntryRemoved(_ string, info fs.FileInfo) {
	if o.DryRun {
		return
	}
	EntriesRemovedTotal.Inc()
	if info.Mode().IsRegular() {
		BytesRemovedTotal.Add(float64(info.Size()))
	}
}

func (o Observer) EntryFailed(f remover.Failure) {
	EntryFailuresTotal.WithLabelValues(string(f.Kind)).Inc()
}
