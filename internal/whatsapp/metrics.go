package whatsapp

import (
	"sync"
	"time"

	"wa_manager/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report session manager activity.
type Metrics struct {
	sessions     *prometheus.GaugeVec
	events       *prometheus.CounterVec
	adapterCalls *prometheus.HistogramVec
	restores     *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics registered with the global Prometheus registry.
// Collectors are created once so several managers in one process share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// NewMetrics registers the manager collectors with reg, reusing collectors
// that are already registered under the same name.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wa_manager",
			Subsystem: "sessions",
			Name:      "live",
			Help:      "Sessions held in memory by status.",
		}, []string{"status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wa_manager",
			Subsystem: "sessions",
			Name:      "adapter_events_total",
			Help:      "Adapter events processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		adapterCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wa_manager",
			Subsystem: "adapter",
			Name:      "call_duration_seconds",
			Help:      "Duration of time-bounded adapter calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wa_manager",
			Subsystem: "sessions",
			Name:      "restores_total",
			Help:      "Startup restorations by result.",
		}, []string{"result"}),
	}

	if err := reg.Register(m.sessions); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.sessions = already.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			panic(err)
		}
	}
	if err := reg.Register(m.events); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.events = already.ExistingCollector.(*prometheus.CounterVec)
		} else {
			panic(err)
		}
	}
	if err := reg.Register(m.adapterCalls); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.adapterCalls = already.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			panic(err)
		}
	}
	if err := reg.Register(m.restores); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.restores = already.ExistingCollector.(*prometheus.CounterVec)
		} else {
			panic(err)
		}
	}
	return m
}

func (m *Metrics) setSessionCounts(counts map[models.SessionStatus]int) {
	if m == nil {
		return
	}
	for _, status := range []models.SessionStatus{
		models.StatusInitializing, models.StatusQRCode, models.StatusReady,
		models.StatusDisconnected, models.StatusAuthFailure,
	} {
		m.sessions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (m *Metrics) incEvent(kind EventKind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) observeCall(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.adapterCalls.WithLabelValues(operation, status).Observe(d.Seconds())
}

func (m *Metrics) incRestore(result string) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(result).Inc()
}
