package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	ConnectionEvents    *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	WSWriteErrors       *prometheus.CounterVec
	DroppedFrames       *prometheus.CounterVec
	UpgradeRejections   *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec
	UpstreamOpenLatency prometheus.Histogram
	TransportStates     *prometheus.CounterVec
	TransportDrops      *prometheus.CounterVec
	ToolCallsLimited    *prometheus.CounterVec

	latency *recentLatencies
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relay_connections",
			Help:      "Number of open relay WebSocket connections.",
		}),
		ConnectionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connection_events_total",
			Help:      "Relay connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by stage.",
		}, []string{"stage"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_frames_total",
			Help:      "Client frames dropped by the relay by reason.",
		}, []string{"reason"}),
		UpgradeRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_upgrade_rejections_total",
			Help:      "Relay upgrades refused by reason.",
		}, []string{"reason"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream session errors by stage.",
		}, []string{"stage"}),
		UpstreamOpenLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_open_latency_ms",
			Help:      "Latency from setup frame to upstream open in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		TransportStates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_state_transitions_total",
			Help:      "Session transport state transitions by target state.",
		}, []string{"state"}),
		TransportDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_dropped_sends_total",
			Help:      "Sends dropped because the transport was not active.",
		}, []string{"kind"}),
		ToolCallsLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_rate_limited_total",
			Help:      "Tool calls rejected by the per-tool window.",
		}, []string{"tool"}),
		latency: newRecentLatencies(256),
	}
}

func (m *Metrics) ObserveUpstreamOpen(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.UpstreamOpenLatency.Observe(ms)
	m.latency.add(StageUpstreamOpen, ms)
}

func (m *Metrics) ObserveFirstUpstreamMessage(d time.Duration) {
	m.latency.add(StageFirstUpstreamMessage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveDroppedFrame(reason string) {
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.latency.snapshot()
}

// TransportState, TransportSendDropped and ToolCallRateLimited let Metrics
// act as a transport recorder.
func (m *Metrics) TransportState(state string) {
	m.TransportStates.WithLabelValues(state).Inc()
}

func (m *Metrics) TransportSendDropped(kind string) {
	m.TransportDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) ToolCallRateLimited(name string) {
	m.ToolCallsLimited.WithLabelValues(name).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
