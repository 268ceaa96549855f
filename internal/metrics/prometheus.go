package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains every Prometheus instrument exposed by the fabric. Each
// instance owns its own registry so tests can construct independent copies
// without colliding on the global default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	// Datagram server metrics
	PacketsReceived prometheus.Counter
	PacketsRouted   prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	HeartbeatsSeen  prometheus.Counter

	// Registry metrics
	ActiveEndpoints  prometheus.Gauge
	EndpointsPhysical prometheus.Gauge
	EndpointsVirtual prometheus.Gauge
	PacketsLostTotal prometheus.Counter
	JitterMs         prometheus.Histogram

	// Routing metrics
	RouteMutations prometheus.Counter
	ScenarioApplied *prometheus.CounterVec

	// Pacer metrics
	PacerQueueDepth    *prometheus.GaugeVec
	PacerPacketsSent   prometheus.Counter
	PacerPacketsDropped prometheus.Counter
	PacerViolations    *prometheus.CounterVec
	PacerInterSendMs   prometheus.Histogram

	// Control-plane and bridge metrics
	ControlClients    prometheus.Gauge
	BridgeClients     prometheus.Gauge
	ControlMessages   *prometheus.CounterVec
	ControlErrors     *prometheus.CounterVec

	// Diagnostics HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a fresh registry and registers every fabric metric against it.
// Each call returns an independently registered Metrics, so tests can
// construct as many as they like without colliding on the global default
// registerer.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "fabric_packets_received_total",
			Help: "Total number of datagrams received on the UDP socket",
		}),
		PacketsRouted: f.NewCounter(prometheus.CounterOpts{
			Name: "fabric_packets_routed_total",
			Help: "Total number of successful per-target egress sends",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_packets_dropped_total",
			Help: "Total number of datagrams dropped, by reason",
		}, []string{"reason"}),
		HeartbeatsSeen: f.NewCounter(prometheus.CounterOpts{
			Name: "fabric_heartbeats_total",
			Help: "Total number of heartbeat datagrams received",
		}),

		ActiveEndpoints: f.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_active_endpoints",
			Help: "Current number of online endpoints",
		}),
		EndpointsPhysical: f.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_endpoints_physical",
			Help: "Current number of registered physical endpoints",
		}),
		EndpointsVirtual: f.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_endpoints_virtual",
			Help: "Current number of registered virtual endpoints",
		}),
		PacketsLostTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fabric_packets_lost_total",
			Help: "Total packet loss inferred from sequence gaps across all endpoints",
		}),
		JitterMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_jitter_ms",
			Help:    "Observed inter-arrival jitter in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5ms to ~256ms
		}),

		RouteMutations: f.NewCounter(prometheus.CounterOpts{
			Name: "fabric_route_mutations_total",
			Help: "Total number of routing state mutations applied",
		}),
		ScenarioApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_scenario_applied_total",
			Help: "Total number of scenario presets applied, by name",
		}, []string{"scenario"}),

		PacerQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_pacer_queue_depth",
			Help: "Current depth of a paced flow's buffer",
		}, []string{"src", "tgt"}),
		PacerPacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "fabric_pacer_packets_sent_total",
			Help: "Total number of packets released by the paced egress queue",
		}),
		PacerPacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "fabric_pacer_packets_dropped_total",
			Help: "Total number of packets dropped from a paced flow's buffer",
		}),
		PacerViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_pacer_violations_total",
			Help: "Total number of pacing timing violations, by kind",
		}, []string{"kind"}),
		PacerInterSendMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_pacer_inter_send_ms",
			Help:    "Observed interval between consecutive paced sends, in milliseconds",
			Buckets: prometheus.LinearBuckets(10, 2, 15), // 10ms to 38ms
		}),

		ControlClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_control_clients",
			Help: "Current number of connected control-plane clients",
		}),
		BridgeClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_bridge_clients",
			Help: "Current number of connected bridge clients",
		}),
		ControlMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_control_messages_total",
			Help: "Total number of control-plane messages handled, by kind",
		}, []string{"kind"}),
		ControlErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_control_errors_total",
			Help: "Total number of control-plane errors surfaced, by kind",
		}, []string{"kind"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_http_requests_total",
			Help: "Total number of diagnostics HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_http_request_duration_seconds",
			Help:    "Duration of diagnostics HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordDropped increments the dropped-packet counter for reason.
func (m *Metrics) RecordDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordPacerViolation increments the pacer violation counter for kind.
func (m *Metrics) RecordPacerViolation(kind string) {
	m.PacerViolations.WithLabelValues(kind).Inc()
}

// RecordControlMessage increments the control-plane message counter for kind.
func (m *Metrics) RecordControlMessage(kind string) {
	m.ControlMessages.WithLabelValues(kind).Inc()
}

// RecordControlError increments the control-plane error counter for kind.
func (m *Metrics) RecordControlError(kind string) {
	m.ControlErrors.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records a diagnostics HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
