package health

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type monitorMetrics struct {
	values   *prometheus.GaugeVec
	alerts   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMonitorMetrics(reg prometheus.Registerer) *monitorMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &monitorMetrics{
		values: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wa_manager",
			Subsystem: "health",
			Name:      "metric",
			Help:      "Latest sampled value per subsystem metric.",
		}, []string{"subsystem", "metric"})),
		alerts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wa_manager",
			Subsystem: "health",
			Name:      "alerts_total",
			Help:      "Alerts raised by type.",
		}, []string{"type"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wa_manager",
			Subsystem: "health",
			Name:      "sample_duration_seconds",
			Help:      "Sampler run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subsystem", "result"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *monitorMetrics) observe(s Snapshot, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if s.Error != "" {
		result = "error"
	}
	m.duration.WithLabelValues(string(s.Subsystem), result).Observe(took.Seconds())
	for name, v := range s.Metrics {
		m.values.WithLabelValues(string(s.Subsystem), name).Set(v)
	}
}

func (m *monitorMetrics) incAlert(alertType string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType).Inc()
}
