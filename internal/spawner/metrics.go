package spawner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const codeOK = "OK"

type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	running     prometheus.Gauge
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawner_invocations_total",
				Help:      "Tool invocations by outcome code",
			},
			[]string{"code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "spawner_invocation_duration_seconds",
				Help:      "Wall time of tool invocations including spawn and cleanup",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"code"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "spawner_processes_running",
				Help:      "Worker processes currently alive",
			},
		),
	}

	reg.MustRegister(m.invocations, m.duration, m.running)
	return m
}

func (m *Metrics) record(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(code).Inc()
	m.duration.WithLabelValues(code).Observe(d.Seconds())
}

func (m *Metrics) processStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) processExited() {
	if m == nil {
		return
	}
	m.running.Dec()
}
