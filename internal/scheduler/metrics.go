package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	active      prometheus.Gauge
	pollErrors  prometheus.Counter
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_runs_total",
				Help:      "Scheduled job runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_run_duration_seconds",
				Help:      "Duration of scheduled job runs",
				Buckets:   []float64{.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_jobs_active",
				Help:      "Scheduled jobs currently executing",
			},
		),
		pollErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_poll_errors_total",
				Help:      "Poll ticks that failed to fetch due jobs",
			},
		),
	}

	reg.MustRegister(m.runs, m.runDuration, m.active, m.pollErrors)
	return m
}

func (m *Metrics) recordRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) pollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}
