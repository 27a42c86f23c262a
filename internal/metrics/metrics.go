// Package metrics registers the orchestrator's prometheus instruments onto
// a caller-supplied registerer, rather than the global default registry, so
// tests and multiple engine instances don't collide.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every instrument the engine and state store update.
type Metrics struct {
	TasksStarted      *prometheus.CounterVec
	TasksCompleted    *prometheus.CounterVec
	BackgroundUnits   prometheus.Gauge
	PollDuration      prometheus.Histogram
	NotificationsSent *prometheus.CounterVec
	StoreRetries      prometheus.Counter
}

// New builds and registers the instrument set on reg. Passing a fresh
// prometheus.NewRegistry() per test avoids "already registered" panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch",
			Name:      "tasks_started_total",
			Help:      "Number of research tasks started, labeled by mode (sync/async).",
		}, []string{"mode"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch",
			Name:      "tasks_completed_total",
			Help:      "Number of research tasks reaching a terminal status, labeled by status.",
		}, []string{"status"}),
		BackgroundUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepresearch",
			Name:      "background_units",
			Help:      "Current number of running background polling units.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deepresearch",
			Name:      "provider_poll_duration_seconds",
			Help:      "Latency of a single ProviderClient poll call.",
			Buckets:   prometheus.DefBuckets,
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch",
			Name:      "notifications_sent_total",
			Help:      "Notification delivery attempts, labeled by outcome (delivered/failed).",
		}, []string{"outcome"}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepresearch",
			Name:      "store_retries_total",
			Help:      "Number of transient-contention retries performed by the state store.",
		}),
	}

	reg.MustRegister(
		m.TasksStarted,
		m.TasksCompleted,
		m.BackgroundUnits,
		m.PollDuration,
		m.NotificationsSent,
		m.StoreRetries,
	)
	return m
}
