// Package metrics provides Prometheus metrics for the Bluetooth server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "bluetooth_server"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Connection metrics
	CentralConnected prometheus.Gauge
	Connections      prometheus.Counter
	Disconnections   prometheus.Counter

	// Per-service data path metrics
	PacketsReceived *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	ChunksSent      *prometheus.CounterVec

	// Error metrics
	FramingErrors   *prometheus.CounterVec
	DecryptFailures *prometheus.CounterVec
	DroppedNotReady *prometheus.CounterVec
	OversizedDrops  *prometheus.CounterVec

	// Handshake metrics
	HandshakeRequests  *prometheus.CounterVec
	HandshakeResponses *prometheus.CounterVec
	HandshakeCompleted prometheus.Counter
	HandshakeDuration  prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance on a private registry, for tests.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		CentralConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "central_connected",
			Help:      "Whether a central is currently connected (0 or 1)",
		}),
		Connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total central connections accepted",
		}),
		Disconnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Total central disconnections",
		}),

		// Per-service data path metrics
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Complete application packets received by service",
		}, []string{"service"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Application packets sent by service",
		}, []string{"service"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Application payload bytes received by service",
		}, []string{"service"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Application payload bytes sent by service",
		}, []string{"service"}),
		ChunksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "GATT notification chunks written by service",
		}, []string{"service"}),

		// Error metrics
		FramingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Packets dropped due to malformed escape sequences by service",
		}, []string{"service"}),
		DecryptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Envelopes dropped due to failed authentication by service",
		}, []string{"service"}),
		DroppedNotReady: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_not_ready_total",
			Help:      "Packets dropped on encrypted services before the session was ready",
		}, []string{"service"}),
		OversizedDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oversized_drops_total",
			Help:      "Packets dropped for exceeding the maximum packet size",
		}, []string{"service"}),

		// Handshake metrics
		HandshakeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_requests_total",
			Help:      "Handshake requests received by method",
		}, []string{"method"}),
		HandshakeResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_responses_total",
			Help:      "Handshake responses sent by response code",
		}, []string{"code"}),
		HandshakeCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_completed_total",
			Help:      "Successfully completed encryption handshakes",
		}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from INITIATE_ENCRYPTION to a verified challenge",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}
