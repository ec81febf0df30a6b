package ordering

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	debounceScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordering",
		Name:      "debounce_scheduled_total",
		Help:      "Writes armed by the debounce scheduler.",
	}, []string{"collection"})

	debounceReplaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordering",
		Name:      "debounce_replaced_total",
		Help:      "Pending writes replaced by newer activity on the same key.",
	}, []string{"collection"})

	debounceFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordering",
		Name:      "debounce_fired_total",
		Help:      "Pending writes whose quiet period elapsed.",
	}, []string{"collection"})

	debounceFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordering",
		Name:      "debounce_flushed_total",
		Help:      "Pending writes fired early by flush or teardown.",
	}, []string{"collection"})

	writeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ordering",
		Name:      "write_seconds",
		Help:      "Latency of persistence adapter calls.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"collection", "op"})

	writeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordering",
		Name:      "write_failures_total",
		Help:      "Persistence adapter calls that returned an error.",
	}, []string{"collection", "op"})

	writeSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordering",
		Name:      "write_skipped_total",
		Help:      "Writes skipped because the item failed validation.",
	}, []string{"collection"})
)

func init() {
	prometheus.MustRegister(debounceScheduled, debounceReplaced, debounceFired, debounceFlushed,
		writeLatency, writeFailures, writeSkipped)
}

func observeWrite(collection, op string, start time.Time, err error) {
	writeLatency.WithLabelValues(collection, op).Observe(time.Since(start).Seconds())
	if err != nil {
		writeFailures.WithLabelValues(collection, op).Inc()
	}
}
