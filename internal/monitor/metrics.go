package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	SyntaxRejections  prometheus.Counter
	ProvisionFailures prometheus.Counter
	TeardownFailures  prometheus.Counter
	ActiveExecutions  prometheus.Gauge
	EnvCPUPercent     prometheus.Gauge
	EnvMemoryMB       prometheus.Gauge
	PoolIdle          prometheus.Gauge
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codexec",
				Name:      "executions_total",
				Help:      "Total number of executions by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codexec",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),

		SyntaxRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codexec",
				Name:      "syntax_rejections_total",
				Help:      "Submissions rejected by the syntax gate before execution.",
			},
		),

		ProvisionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codexec",
				Name:      "provision_failures_total",
				Help:      "Failed attempts to provision an isolated environment.",
			},
		),

		TeardownFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codexec",
				Name:      "teardown_failures_total",
				Help:      "Environment teardowns that failed and may have leaked a container.",
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codexec",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		EnvCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codexec",
				Name:      "environment_cpu_percent",
				Help:      "Last sampled CPU usage of the isolated environment.",
			},
		),

		EnvMemoryMB: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codexec",
				Name:      "environment_memory_mb",
				Help:      "Last sampled memory usage of the isolated environment in MB.",
			},
		),

		PoolIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codexec",
				Name:      "pool_idle_environments",
				Help:      "Number of pre-provisioned environments idle in the pool.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codexec",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codexec",
				Name:      "code_size_bytes",
				Help:      "Size of submitted source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codexec",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SyntaxRejections,
		m.ProvisionFailures,
		m.TeardownFailures,
		m.ActiveExecutions,
		m.EnvCPUPercent,
		m.EnvMemoryMB,
		m.PoolIdle,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records a completed execution. outcome is "success" or the
// error kind.
func (m *Metrics) RecordExecution(mode, outcome string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(mode, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(durationSec)
}

// RecordSample publishes the latest resource snapshot.
func (m *Metrics) RecordSample(cpuPercent, memoryMB float64) {
	m.EnvCPUPercent.Set(cpuPercent)
	m.EnvMemoryMB.Set(memoryMB)
}
