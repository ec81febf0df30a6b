package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "query_seconds",
		Help:      "Latency of store operations including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"table", "op"})

	queryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "query_failures_total",
		Help:      "Store operations that failed after retries.",
	}, []string{"table", "op"})

	storeTracer = otel.Tracer("github.com/example/storymap-studio/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, queryFailures)
}
