package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the daemon subsystem
type Metrics struct {
	// Daemon lifecycle metrics
	DaemonState       prometheus.Gauge
	BootstrapProgress prometheus.Gauge
	DaemonStarts      prometheus.Counter
	DaemonCrashes     prometheus.Counter

	// Control protocol metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	CommandTimeouts prometheus.Counter
	Reconnects      prometheus.Counter

	// Circuit metrics
	IdentityRotations prometheus.Counter
	CircuitsOpen      prometheus.Gauge
	CircuitsClosed    prometheus.Counter

	// Hidden service metrics
	OnionServices prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		DaemonState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "torgate_daemon_state",
				Help: "Current daemon state (0=stopped 1=starting 2=bootstrapping 3=connected 4=error 5=stopping)",
			},
		),
		BootstrapProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "torgate_bootstrap_progress",
				Help: "Bootstrap progress percentage",
			},
		),
		DaemonStarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "torgate_daemon_starts_total",
				Help: "Total number of daemon starts",
			},
		),
		DaemonCrashes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "torgate_daemon_crashes_total",
				Help: "Total number of unexpected daemon exits",
			},
		),

		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torgate_control_commands_total",
				Help: "Total number of control-protocol commands",
			},
			[]string{"command", "status"},
		),
		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "torgate_control_command_duration_seconds",
				Help:    "Control command round-trip duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"command"},
		),
		CommandTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "torgate_control_command_timeouts_total",
				Help: "Total number of control commands that timed out",
			},
		),
		Reconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "torgate_control_reconnects_total",
				Help: "Total number of control session reconnects",
			},
		),

		IdentityRotations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "torgate_identity_rotations_total",
				Help: "Total number of successful identity rotations",
			},
		),
		CircuitsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "torgate_circuits_open",
				Help: "Number of circuits observed in the last circuit-status query",
			},
		),
		CircuitsClosed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "torgate_circuits_closed_total",
				Help: "Total number of circuits closed by request",
			},
		),

		OnionServices: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "torgate_onion_services",
				Help: "Number of ephemeral onion services currently registered",
			},
		),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torgate_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "torgate_http_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "torgate_ws_connections",
				Help: "Number of active WebSocket event subscribers",
			},
		),
	}
}

// RecordCommand records a control command round trip
func (m *Metrics) RecordCommand(command, status string, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(command, status).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordHTTPRequest records an API request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetDaemonState records the numeric daemon state
func (m *Metrics) SetDaemonState(ordinal int) {
	m.DaemonState.Set(float64(ordinal))
}

// Uptime returns time since metrics collection started
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
