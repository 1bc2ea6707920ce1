package net

import "github.com/prometheus/client_golang/prometheus"

var (
	pressure = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "gossip",
		Name:      "pressure",
		Help:      "Control pressures, lambda for broadcast and eta for listen.",
	}, []string{"var"})
	stability = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "gossip",
		Name:      "stability",
		Help:      "Magnitude of complex(-lambda, eta); 1 at equilibrium.",
	})
	windowScale = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "gossip",
		Name:      "window_scale",
		Help:      "Coalescing window relative to the configured dedup window.",
	})
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "gossip",
		Name:      "pending_broadcasts",
		Help:      "Announcements waiting for the next broadcast tick.",
	})
	sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pouw",
		Subsystem: "gossip",
		Name:      "sends_total",
		Help:      "Point to point sends by result.",
	}, []string{"result"})
	inbound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pouw",
		Subsystem: "gossip",
		Name:      "inbound_total",
		Help:      "Inbound messages by kind.",
	}, []string{"kind"})
	peersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "gossip",
		Name:      "peers",
		Help:      "Known peers by liveness.",
	}, []string{"state"})
)

// Collectors returns the gossip metrics for registration by the daemon.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{pressure, stability, windowScale, pendingGauge, sends, inbound, peersGauge}
}
