package studio

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "studio",
		Name:      "sessions",
		Help:      "Studio sessions currently loaded in memory.",
	})

	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Name:      "ops_total",
		Help:      "Studio client operations by op and result.",
	}, []string{"op", "result"})

	noticesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studio",
		Name:      "notices_total",
		Help:      "Notices pushed to studio clients by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(sessionsOpen, opsTotal, noticesTotal)
}
