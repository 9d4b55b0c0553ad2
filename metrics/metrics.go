// Package metrics instruments process launches with Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "childproc"

// Outcomes recorded by Finish.
const (
	OutcomeSuccess    = "success"
	OutcomeExitError  = "exit_error"
	OutcomeStartError = "start_error"
)

// Metrics records process launches. A nil *Metrics is valid and records nothing.
type Metrics struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	running  *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_started_total",
				Help:      "Total number of processes launched, by mode",
			},
			[]string{"mode"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_finished_total",
				Help:      "Total number of processes that settled, by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "processes_running",
				Help:      "Number of launched processes that have not settled yet",
			},
			[]string{"mode"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_duration_seconds",
				Help:      "Time from launch to settlement",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"mode"},
		),
	}
	reg.MustRegister(m.started, m.finished, m.running, m.duration)
	return m
}

// Start records a launch and returns the function that records its outcome.
// The returned function must be called exactly once.
func (m *Metrics) Start(mode string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.started.WithLabelValues(mode).Inc()
	m.running.WithLabelValues(mode).Inc()
	return func(outcome string) {
		m.running.WithLabelValues(mode).Dec()
		m.finished.WithLabelValues(mode, outcome).Inc()
		m.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}
