package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/freckles-io/freckles/pkg/engine"
)

// Metrics collects run, batch and task metrics in a private registry. The
// engine writes them to metrics.prom in the run directory after each
// batch.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	batchesCompleted *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec

	tasksCompleted *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Metrics = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of frecklecutable runs by outcome",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of frecklecutable runs in seconds",
				Buckets:   buckets,
			},
		),
		batchesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_completed_total",
				Help:      "Total number of adapter batches by status",
			},
			[]string{"adapter", "status"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of adapter batches in seconds",
				Buckets:   buckets,
			},
			[]string{"adapter"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of dispatched tasks by state",
			},
			[]string{"adapter", "state"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsCompleted,
		m.runDuration,
		m.batchesCompleted,
		m.batchDuration,
		m.tasksCompleted,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun records a finished frecklecutable run.
func (m *Metrics) RecordRun(success bool, duration time.Duration) {
	if m.registry == nil {
		return
	}
	status := "succeeded"
	if !success {
		status = "failed"
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordBatch implements engine.Metrics.
func (m *Metrics) RecordBatch(adapter string, status engine.RunStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.batchesCompleted.WithLabelValues(adapter, status.String()).Inc()
	if duration > 0 {
		m.batchDuration.WithLabelValues(adapter).Observe(duration.Seconds())
	}
}

// RecordTask implements engine.Metrics.
func (m *Metrics) RecordTask(adapter string, state engine.TaskState) {
	if m.registry == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(adapter, string(state)).Inc()
}

// WriteTextfile implements engine.Metrics. It is a no-op when metrics are
// disabled.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

// Timer measures an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
