package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pool occupancy. A nil *Metrics records nothing.
type Metrics struct {
	max      prometheus.Gauge
	active   prometheus.Gauge
	queued   prometheus.Gauge
	rejected prometheus.Counter
}

// NewMetrics registers pool collectors under namespace. name distinguishes
// several pools in one process.
func NewMetrics(namespace, name string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	labels := prometheus.Labels{"pool": name}
	m := &Metrics{
		max: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_slots_max",
			Help:        "Configured number of pool slots",
			ConstLabels: labels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_slots_active",
			Help:        "Number of slots currently held",
			ConstLabels: labels,
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_waiters",
			Help:        "Number of callers waiting for a slot",
			ConstLabels: labels,
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pool_rejections_total",
			Help:        "Acquisitions that timed out waiting for a slot",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.max, m.active, m.queued, m.rejected)
	return m
}

func (m *Metrics) setMax(n int) {
	if m == nil {
		return
	}
	m.max.Set(float64(n))
}

func (m *Metrics) observe(active, queued int) {
	if m == nil {
		return
	}
	m.active.Set(float64(active))
	m.queued.Set(float64(queued))
}

func (m *Metrics) incRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
