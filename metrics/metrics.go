// Package metrics exposes the simulation's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector of the simulation server. Create one
// per server and register it on a dedicated registry.
type Metrics struct {
	TickDuration    prometheus.Histogram
	ActiveRuntimes  prometheus.Gauge
	EntityCount     prometheus.Gauge
	EventsProcessed prometheus.Counter
	EventsDropped   prometheus.Counter
	RuntimesFailed  prometheus.Counter
	BatchesSent     prometheus.Counter
	SnapshotsSent   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hkt",
			Subsystem: "sim",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one Build/Execute/Cleanup tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		ActiveRuntimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hkt",
			Subsystem: "sim",
			Name:      "active_runtimes",
			Help:      "Live VM runtimes after the last tick.",
		}),
		EntityCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hkt",
			Subsystem: "sim",
			Name:      "entities",
			Help:      "Valid entities in the master stash.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hkt",
			Subsystem: "sim",
			Name:      "events_processed_total",
			Help:      "Intent events turned into runtimes.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hkt",
			Subsystem: "sim",
			Name:      "events_dropped_total",
			Help:      "Intent events dropped (missing program, failed validation, pool exhausted).",
		}),
		RuntimesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hkt",
			Subsystem: "sim",
			Name:      "runtimes_failed_total",
			Help:      "Runtimes terminated with a failure.",
		}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hkt",
			Subsystem: "net",
			Name:      "batches_sent_total",
			Help:      "Non-empty frame batches handed to the transport.",
		}),
		SnapshotsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hkt",
			Subsystem: "net",
			Name:      "snapshots_sent_total",
			Help:      "First-sight entity snapshots attached to batches.",
		}),
	}

	reg.MustRegister(
		m.TickDuration,
		m.ActiveRuntimes,
		m.EntityCount,
		m.EventsProcessed,
		m.EventsDropped,
		m.RuntimesFailed,
		m.BatchesSent,
		m.SnapshotsSent,
	)
	return m
}
