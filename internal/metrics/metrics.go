// Package metrics provides Prometheus metrics for the Compote sync client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer metrics
	pullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compote_pulls_total",
			Help: "Total number of file pulls from the remote store",
		},
		[]string{"status"},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compote_pushes_total",
			Help: "Total number of file writes pushed to the remote store",
		},
		[]string{"status"},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compote_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts",
		},
	)

	revertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compote_reverts_total",
			Help: "Total number of local files reverted after a failed push",
		},
	)

	// Offline queue metrics
	queuedOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compote_queued_ops_total",
			Help: "Total number of operations enqueued while offline",
		},
		[]string{"op"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compote_queue_depth",
			Help: "Current number of operations in the offline queue",
		},
	)

	flushFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compote_flush_failures_total",
			Help: "Total number of queued operations that failed during replay",
		},
	)

	// Reconciliation metrics
	quarantinedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compote_quarantined_files_total",
			Help: "Total number of local files moved to quarantine",
		},
	)

	initialSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compote_initial_sync_duration_seconds",
			Help:    "Time to reconcile the vault against the remote manifest",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transport metrics
	connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compote_transport_connected",
			Help: "1 if the sync transport is currently connected",
		},
	)

	boardMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compote_board_merges_total",
			Help: "Total number of board documents merged after a conflict",
		},
	)
)

// RecordPull records a pull with the given status ("ok" or "error").
func RecordPull(status string) {
	pullsTotal.WithLabelValues(status).Inc()
}

// RecordPush records a push with the given status ("ok", "conflict" or "error").
func RecordPush(status string) {
	pushesTotal.WithLabelValues(status).Inc()
}

// RecordConflict records an optimistic-concurrency conflict.
func RecordConflict() {
	conflictsTotal.Inc()
}

// RecordRevert records a local revert after a failed push.
func RecordRevert() {
	revertsTotal.Inc()
}

// RecordQueuedOp records an enqueued offline operation by kind.
func RecordQueuedOp(op string) {
	queuedOpsTotal.WithLabelValues(op).Inc()
}

// SetQueueDepth sets the current offline queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordFlushFailure records a queued operation that failed to replay.
func RecordFlushFailure() {
	flushFailuresTotal.Inc()
}

// RecordQuarantine records a file moved to quarantine.
func RecordQuarantine() {
	quarantinedTotal.Inc()
}

// ObserveInitialSync records the duration of a reconciliation pass.
func ObserveInitialSync(d time.Duration) {
	initialSyncDuration.Observe(d.Seconds())
}

// SetConnected updates the transport connectivity gauge.
func SetConnected(up bool) {
	if up {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

// RecordBoardMerge records a structured-document merge.
func RecordBoardMerge() {
	boardMergesTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics HTTP server on the given address.
// Blocks until the server exits.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
