// Package metrics holds the prometheus instruments shared across the
// orchestrator, the event hub, and the status writer. Everything registers
// on one private registry so tests can construct isolated sets.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the process instruments.
type Set struct {
	registry *prometheus.Registry

	JobsDispatched  prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      prometheus.Counter
	ActiveWorkers   prometheus.Gauge
	WatcherRestarts prometheus.Counter

	SSEClients       prometheus.Gauge
	EventsBroadcast  *prometheus.CounterVec
	ChangesCoalesced prometheus.Counter

	SnapshotWrites        prometheus.Counter
	SnapshotWriteDuration prometheus.Histogram
}

// New builds a Set on a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeord_jobs_dispatched_total",
			Help: "Seeds promoted to current and handed to a worker.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeord_jobs_completed_total",
			Help: "Workers that exited successfully.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeord_jobs_failed_total",
			Help: "Workers that exited with a failure.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeord_active_workers",
			Help: "Worker processes currently running.",
		}),
		WatcherRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeord_watcher_restarts_total",
			Help: "Times a filesystem watcher was recreated after an error.",
		}),
		SSEClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeord_sse_clients",
			Help: "Connected SSE subscribers.",
		}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeord_events_broadcast_total",
			Help: "Events fanned out to subscribers, by event type.",
		}, []string{"type"}),
		ChangesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeord_changes_coalesced_total",
			Help: "Filesystem change notifications absorbed by the debounce window.",
		}),
		SnapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeord_snapshot_writes_total",
			Help: "Atomic tasks-status.json writes observed.",
		}),
		SnapshotWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeord_snapshot_write_seconds",
			Help:    "Duration of one snapshot persist, fsync included.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.JobsDispatched, s.JobsCompleted, s.JobsFailed,
		s.ActiveWorkers, s.WatcherRestarts,
		s.SSEClients, s.EventsBroadcast, s.ChangesCoalesced,
		s.SnapshotWrites, s.SnapshotWriteDuration,
	)
	return s
}

// Handler returns the scrape endpoint for this set.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
