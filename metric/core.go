package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core worker metrics shared across components.
type Metrics struct {
	// Dispatch pipeline
	MessagesReceived *prometheus.CounterVec
	MessagesDeferred *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec

	// Build methods
	BuildsDispatched *prometheus.CounterVec
	BuildsCompleted  *prometheus.CounterVec

	// Deriver engine
	DerivedPoints prometheus.Counter
	DerivedPages  prometheus.Counter

	// Task machine
	TaskRuns *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_messages_received_total",
			Help: "Messages delivered to a subscription",
		}, []string{"subject"}),
		MessagesDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_messages_deferred_total",
			Help: "Messages left unacknowledged due to a stale subscription generation",
		}, []string{"subject"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_messages_failed_total",
			Help: "Messages that failed decoding or processing",
		}, []string{"subject", "reason"}),
		BuildsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_builds_dispatched_total",
			Help: "Build jobs enqueued by method",
		}, []string{"method"}),
		BuildsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_builds_completed_total",
			Help: "Build requests handled by method and result",
		}, []string{"method", "result"}),
		DerivedPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deriv_derived_points_total",
			Help: "Derived datapoints written to the time-series store",
		}),
		DerivedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deriv_derived_pages_total",
			Help: "Derived datapoint pages written to the time-series store",
		}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deriv_task_runs_total",
			Help: "Task machine executions by task and result",
		}, []string{"task", "result"}),
	}
}

// serviceCore is the service name the core metrics are tracked under.
const serviceCore = "core"

func (m *Metrics) register(r *Registry) {
	for name, collector := range map[string]prometheus.Collector{
		"messages_received": m.MessagesReceived,
		"messages_deferred": m.MessagesDeferred,
		"messages_failed":   m.MessagesFailed,
		"builds_dispatched": m.BuildsDispatched,
		"builds_completed":  m.BuildsCompleted,
		"derived_points":    m.DerivedPoints,
		"derived_pages":     m.DerivedPages,
		"task_runs":         m.TaskRuns,
	} {
		if err := r.Register(serviceCore, name, collector); err != nil {
			panic(err)
		}
	}
}
