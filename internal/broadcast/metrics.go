package broadcast

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	publishes   *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &metrics{
		publishes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wa_manager",
			Subsystem: "broadcast",
			Name:      "publishes_total",
			Help:      "Publishes per channel, either delivered or coalesced into a pending window.",
		}, []string{"channel", "result"})),
		subscribers: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wa_manager",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current subscriptions per channel.",
		}, []string{"channel"})),
	}
}

func (m *metrics) publish(channel, result string) {
	m.publishes.WithLabelValues(channel, result).Inc()
}

// register reuses an already registered collector of the same name
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}
