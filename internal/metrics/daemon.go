package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Daemon subsystem metrics
var (
	// ErrorsTotal tracks errors outside of per-entry removal failures
	ErrorsTotal prometheus.Counter

	// TargetFreeBytes tracks free space on the filesystem holding each target
	TargetFreeBytes *prometheus.GaugeVec

	// TargetsSkippedTotal counts targets skipped for a cycle, by reason
	TargetsSkippedTotal *prometheus.CounterVec
)

func initDaemonMetrics() {
	ErrorsTotal = NewCounter(
		"rmtree_daemon_errors_total",
		"Total number of daemon errors (history, disk probes, servers).",
	)

	TargetFreeBytes = NewGaugeVec(
		"rmtree_target_free_bytes",
		"Free bytes on the filesystem containing the target.",
		[]string{"target"},
	)

	TargetsSkippedTotal = NewCounterVec(
		"rmtree_targets_skipped_total",
		"Targets skipped during a sweep.",
		[]string{"target", "reason"},
	)
}

func registerDaemonMetrics() {
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(TargetFreeBytes)
	prometheus.MustRegister(TargetsSkippedTotal)
}

// UpdateFreeBytes sets the free-space gauge for a target.
func UpdateFreeBytes(target string, free uint64) {
	TargetFreeBytes.WithLabelValues(target).Set(float64(free))
}

// RecordSkip counts a target skipped for reason (stale, refused).
func RecordSkip(target, reason string) {
	TargetsSkippedTotal.WithLabelValues(target, reason).Inc()
}
