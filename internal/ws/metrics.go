package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active studio WebSocket connections.",
	})

	gatewaySendQueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound messages observed on enqueue.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	gatewayThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "throttled_messages_total",
		Help:      "Inbound messages delayed by the per-connection rate limit.",
	})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewaySendQueueDepth, gatewayThrottled)
}

var tracer = otel.Tracer("github.com/example/storymap-studio/ws")
