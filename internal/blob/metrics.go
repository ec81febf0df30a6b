package blob

import "github.com/prometheus/client_golang/prometheus"

var (
	uploadResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blob",
		Name:      "uploads_total",
		Help:      "Uploaded files by prefix and outcome.",
	}, []string{"prefix", "result"})

	sweepRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blob",
		Name:      "sweep_removed_total",
		Help:      "Orphaned objects removed by the sweeper.",
	})
)

func init() {
	prometheus.MustRegister(uploadResults, sweepRemoved)
}
