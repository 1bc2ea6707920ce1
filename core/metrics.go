package core

import "github.com/prometheus/client_golang/prometheus"

var (
	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pouw",
		Subsystem: "engine",
		Name:      "submissions_total",
		Help:      "Block submissions by outcome.",
	}, []string{"status"})
	tipHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "engine",
		Name:      "tip_height",
		Help:      "Height of the best tip.",
	})
	tipWork = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "engine",
		Name:      "tip_cumulative_work",
		Help:      "Cumulative work of the best tip.",
	})
	orphanCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pouw",
		Subsystem: "engine",
		Name:      "orphans",
		Help:      "Blocks waiting for their parent.",
	})
	orphansDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pouw",
		Subsystem: "engine",
		Name:      "orphans_dropped_total",
		Help:      "Orphans discarded before their parent arrived.",
	}, []string{"reason"})
)

// Collectors returns the engine metrics for registration by the daemon.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{submissions, tipHeight, tipWork, orphanCount, orphansDropped}
}
