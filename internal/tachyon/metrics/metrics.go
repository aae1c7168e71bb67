// Package metrics exposes Prometheus collectors for the Tachyon engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine updates. Each endpoint owns its
// own registry so several endpoints can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Wire traffic
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	DroppedPackets  *prometheus.CounterVec

	// Reliable channel
	Retransmissions  prometheus.Counter
	SkippedSequences prometheus.Counter
	Deliveries       *prometheus.CounterVec
	QueueDrops       prometheus.Counter

	// Estimator state
	RTTMillis prometheus.Histogram
	RTOMillis prometheus.Gauge

	// Window state
	InflightPackets prometheus.Gauge
	PendingPayloads prometheus.Gauge

	// FEC
	RecoveredPayloads prometheus.Counter
}

// New creates the collectors under the given namespace on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		PacketsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_sent_total",
				Help:      "Total packets written to the socket",
			},
			[]string{"channel"},
		),
		PacketsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_received_total",
				Help:      "Total packets read from the socket",
			},
			[]string{"channel"},
		),
		DroppedPackets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_dropped_total",
				Help:      "Packets dropped before processing",
			},
			[]string{"reason"},
		),
		Retransmissions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Reliable packets retransmitted on timeout",
			},
		),
		SkippedSequences: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_sequences_total",
				Help:      "Sequences abandoned by the hole-skip timer",
			},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Payloads handed to the application",
			},
			[]string{"channel"},
		),
		QueueDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_queue_drops_total",
				Help:      "Deliveries dropped because the application queue was full",
			},
		),
		RTTMillis: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rtt_milliseconds",
				Help:      "Round-trip time samples",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1ms to ~32s
			},
		),
		RTOMillis: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rto_milliseconds",
				Help:      "Current retransmission timeout",
			},
		),
		InflightPackets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_packets",
				Help:      "Sent but unacknowledged reliable packets",
			},
		),
		PendingPayloads: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_payloads",
				Help:      "Reliable payloads queued for window space",
			},
		),
		RecoveredPayloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fec_recovered_payloads_total",
				Help:      "Unreliable payloads reconstructed from FEC shards",
			},
		),
	}
}

// Registry returns the registry backing these collectors, for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
