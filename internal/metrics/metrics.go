// Package metrics exposes Prometheus counters for tracking and retention.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrackingRequestsTotal counts handled tracking requests by outcome.
	TrackingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklog_tracking_requests_total",
			Help: "Total number of tracking requests by outcome",
		},
		[]string{"status"},
	)

	// VisitFallbacksTotal counts known visits that vanished before their update.
	VisitFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklog_visit_fallbacks_total",
			Help: "Known-visit updates that affected no row, by resolution",
		},
		[]string{"resolution"},
	)

	// ConversionsTotal counts recorded goal conversions by kind.
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklog_conversions_total",
			Help: "Total number of requests that recorded conversions",
		},
		[]string{"kind"},
	)

	// ArchivesPurgedTotal counts deleted archive ids by reason.
	ArchivesPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklog_archives_purged_total",
			Help: "Archive ids deleted by the archive purger",
		},
		[]string{"reason"},
	)

	// LogRowsPurgedTotal counts raw log rows deleted per table.
	LogRowsPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklog_log_rows_purged_total",
			Help: "Raw log rows deleted by the log data purger",
		},
		[]string{"table"},
	)

	// PurgeSkippedTotal counts purge cycles skipped because the lock was held.
	PurgeSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklog_purge_skipped_total",
			Help: "Purge cycles skipped because a named lock could not be acquired",
		},
		[]string{"lock"},
	)

	// PurgeDuration tracks how long purge runs take.
	PurgeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracklog_purge_duration_seconds",
			Help:    "Duration of purge runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"purger"},
	)
)

// RecordTrackingRequest counts one handled request.
func RecordTrackingRequest(status string) {
	TrackingRequestsTotal.WithLabelValues(status).Inc()
}

// RecordVisitFallback counts one vanished known visit.
func RecordVisitFallback(resolution string) {
	VisitFallbacksTotal.WithLabelValues(resolution).Inc()
}

// RecordConversion counts one converting request.
func RecordConversion(kind string) {
	ConversionsTotal.WithLabelValues(kind).Inc()
}

// RecordArchivesPurged adds n deleted archive ids.
func RecordArchivesPurged(reason string, n int) {
	ArchivesPurgedTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordLogRowsPurged adds n deleted rows of table.
func RecordLogRowsPurged(table string, n int64) {
	LogRowsPurgedTotal.WithLabelValues(table).Add(float64(n))
}

// RecordPurgeSkipped counts a skipped purge cycle.
func RecordPurgeSkipped(lock string) {
	PurgeSkippedTotal.WithLabelValues(lock).Inc()
}

// ObservePurge records the duration of a purge run started at start.
func ObservePurge(purger string, start time.Time) {
	PurgeDuration.WithLabelValues(purger).Observe(time.Since(start).Seconds())
}
