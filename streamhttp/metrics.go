package streamhttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the transport's Prometheus instruments. One Metrics value may
// be shared by several Handlers; series are split by the encoding label.
type Metrics struct {
	ActiveStreams   *prometheus.GaugeVec
	Frames          *prometheus.CounterVec
	InboundMessages *prometheus.CounterVec
	StreamDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the transport metrics with the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveStreams: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcpsse",
				Name:      "active_streams",
				Help:      "Number of open streaming connections",
			},
			[]string{"encoding"},
		),
		Frames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpsse",
				Name:      "frames_total",
				Help:      "Frames written to streams, by envelope kind",
			},
			[]string{"encoding", "kind"},
		),
		InboundMessages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpsse",
				Name:      "inbound_messages_total",
				Help:      "POSTed messages by dispatch outcome",
			},
			[]string{"encoding", "outcome"},
		),
		StreamDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpsse",
				Name:      "stream_duration_seconds",
				Help:      "Lifetime of closed streaming connections",
				Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10), // 100ms to ~55m
			},
			[]string{"encoding"},
		),
	}
}
