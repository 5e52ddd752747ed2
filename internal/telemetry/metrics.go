package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueuedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_enqueued_total", Help: "Operations accepted into the queue"})
	SyncedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_completed_total", Help: "Operations applied to the backing store"})
	RetryCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_retried_total", Help: "Failed attempts that were re-queued"})
	FailedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_failed_total", Help: "Operations that exhausted their retries"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_detection_rate_limited_total", Help: "Detection enqueues rejected by the per-camera limiter"})
	GateCommands      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_gate_commands_total", Help: "Gate commands forwarded to controllers"})
	SnapshotsArchived = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_snapshots_archived_total", Help: "Detection snapshots archived"})
	SnapshotFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_snapshot_failures_total", Help: "Detection snapshot archive failures"})
	PendingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_ops_pending", Help: "Operations waiting for execution"})
	FailedGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_ops_dead", Help: "Operations in the terminal failed state"})
	OnlineGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_store_online", Help: "1 when the backing store is reachable"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueuedCounter,
			SyncedCounter,
			RetryCounter,
			FailedCounter,
			RateLimitRejects,
			GateCommands,
			SnapshotsArchived,
			SnapshotFailures,
			PendingGauge,
			FailedGauge,
			OnlineGauge,
		)
	})
	return promhttp.Handler()
}
