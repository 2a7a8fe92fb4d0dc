package relay

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	requests          *prometheus.CounterVec
	allocationsActive prometheus.Gauge
	allocationsTotal  prometheus.Counter
	relayedBytes      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gamelink",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay protocol requests, by method and result.",
		}, []string{"method", "result"}),
		allocationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gamelink",
			Subsystem: "relay",
			Name:      "allocations_active",
			Help:      "Currently live allocations.",
		}),
		allocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gamelink",
			Subsystem: "relay",
			Name:      "allocations_total",
			Help:      "Allocations ever handed out.",
		}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gamelink",
			Subsystem: "relay",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed, by direction relative to the client.",
		}, []string{"direction"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.allocationsActive, m.allocationsTotal, m.relayedBytes)
	}

	return m
}
