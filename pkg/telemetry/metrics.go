package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for provisioning runs. hostprep is a
// one-shot CLI, so metrics are written to a node_exporter textfile rather
// than served over HTTP.
type Metrics struct {
	config MetricsConfig

	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	packagesInstalled *prometheus.CounterVec
	packagesFailed    *prometheus.CounterVec

	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge
	serviceUp        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of provisioning runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   buckets,
			},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of pipeline steps by outcome",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		packagesInstalled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packages_installed_total",
				Help:      "Packages requested for installation by kind",
			},
			[]string{"kind"},
		),
		packagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packages_failed_total",
				Help:      "Package installations that failed by kind",
			},
			[]string{"kind"},
		),
		lastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last provisioning run finished",
			},
		),
		lastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "Whether the last provisioning run succeeded (1) or failed (0)",
			},
		),
		serviceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_up",
				Help:      "Whether the managed service was active after the last run",
			},
			[]string{"name"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.stepsTotal,
		m.stepDuration,
		m.packagesInstalled,
		m.packagesFailed,
		m.lastRunTimestamp,
		m.lastRunSuccess,
		m.serviceUp,
	)

	return m
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, duration time.Duration, finished time.Time) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.lastRunTimestamp.Set(float64(finished.Unix()))
	if status == "succeeded" {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// RecordStep records the outcome of one pipeline step.
func (m *Metrics) RecordStep(step, status string, duration time.Duration) {
	m.stepsTotal.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordPackages records a package batch of the given kind (system,
// language, browser).
func (m *Metrics) RecordPackages(kind string, count int, failed bool) {
	if count <= 0 {
		return
	}
	if failed {
		m.packagesFailed.WithLabelValues(kind).Add(float64(count))
		return
	}
	m.packagesInstalled.WithLabelValues(kind).Add(float64(count))
}

// SetServiceUp records whether the named unit is active.
func (m *Metrics) SetServiceUp(name string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.serviceUp.WithLabelValues(name).Set(value)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The file is replaced atomically so a concurrent scrape never sees a
// partial write.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Timer measures the duration of an operation.
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
