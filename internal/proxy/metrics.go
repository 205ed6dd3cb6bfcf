package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection close results.
const (
	ResultForwarded       = "forwarded"
	ResultHandshakeError  = "handshake_error"
	ResultUpstreamError   = "upstream_error"
	ResultForwardingError = "forwarding_error"
	ResultIdleTimeout     = "idle_timeout"
	ResultShutdown        = "shutdown"
)

// Admission rejection reasons.
const (
	RejectRateLimited    = "rate_limited"
	RejectMaxConnections = "max_connections"
)

// MetricsRecorder records proxy connection metrics.
type MetricsRecorder interface {
	ConnectionAccepted()
	ConnectionRejected(reason string)
	ConnectionClosed(result string, bytesIn, bytesOut int64, duration time.Duration)
	SetActiveConnections(n int)
	UpstreamConnected(duration time.Duration)
	UpstreamFailed(kind UpstreamErrorKind)
	StreamCompleted(status int, duration time.Duration)
	ForwardingFailed(direction Direction)
	SetCircuitBreakerState(state string)
}

// Metrics holds Prometheus metrics for proxy operations.
type Metrics struct {
	acceptedTotal      prometheus.Counter
	rejectedTotal      *prometheus.CounterVec
	closedTotal        *prometheus.CounterVec
	activeConnections  prometheus.Gauge
	connectionDuration *prometheus.HistogramVec
	bytesTotal         *prometheus.CounterVec
	upstreamDuration   prometheus.Histogram
	upstreamErrors     *prometheus.CounterVec
	streamsTotal       *prometheus.CounterVec
	streamDuration     prometheus.Histogram
	forwardingErrors   *prometheus.CounterVec
	breakerState       prometheus.Gauge

	registry prometheus.Registerer
}

// MetricsOption is a functional option for configuring Metrics.
type MetricsOption func(*Metrics)

// WithRegistry sets a custom Prometheus registerer.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "sidecar"
	}

	m := &Metrics{}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.acceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "connections_accepted_total",
		Help:      "Total number of inbound connections admitted",
	})
	m.rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "connections_rejected_total",
		Help:      "Total number of inbound connections refused before the handshake",
	}, []string{"reason"})
	m.closedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "connections_closed_total",
		Help:      "Total number of closed inbound connections by result",
	}, []string{"result"})
	m.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "connections_active",
		Help:      "Number of tracked inbound connections",
	})
	m.connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "connection_duration_seconds",
		Help:      "Lifetime of inbound connections in seconds",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
	}, []string{"result"})
	m.bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "bytes_total",
		Help:      "Total plaintext bytes exchanged with clients",
	}, []string{"direction"})
	m.upstreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "upstream_connect_duration_seconds",
		Help:      "Upstream dial plus handshake duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
	m.upstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "upstream_connect_errors_total",
		Help:      "Total number of failed upstream connections by kind",
	}, []string{"kind"})
	m.streamsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "streams_total",
		Help:      "Total number of forwarded HTTP/2 streams by response status",
	}, []string{"status"})
	m.streamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "stream_duration_seconds",
		Help:      "Forwarded HTTP/2 stream duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})
	m.forwardingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "forwarding_errors_total",
		Help:      "Total number of mid-transfer I/O failures by direction",
	}, []string{"direction"})
	m.breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "circuit_breaker_state",
		Help:      "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	m.registry.MustRegister(
		m.acceptedTotal,
		m.rejectedTotal,
		m.closedTotal,
		m.activeConnections,
		m.connectionDuration,
		m.bytesTotal,
		m.upstreamDuration,
		m.upstreamErrors,
		m.streamsTotal,
		m.streamDuration,
		m.forwardingErrors,
		m.breakerState,
	)

	m.init()

	return m
}

// init pre-creates label combinations so the series exist from startup.
func (m *Metrics) init() {
	for _, reason := range []string{RejectRateLimited, RejectMaxConnections} {
		m.rejectedTotal.WithLabelValues(reason)
	}
	for _, kind := range []UpstreamErrorKind{
		UpstreamUnreachable, UpstreamTimeout, UpstreamCertificate, UpstreamProtocol, UpstreamCircuitOpen,
	} {
		m.upstreamErrors.WithLabelValues(string(kind))
	}
	for _, dir := range []string{"in", "out"} {
		m.bytesTotal.WithLabelValues(dir)
	}
}

// ConnectionAccepted counts an admitted inbound connection.
func (m *Metrics) ConnectionAccepted() {
	m.acceptedTotal.Inc()
}

// ConnectionRejected counts a connection refused by admission control.
func (m *Metrics) ConnectionRejected(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// ConnectionClosed records the outcome, traffic and lifetime of a connection.
func (m *Metrics) ConnectionClosed(result string, bytesIn, bytesOut int64, duration time.Duration) {
	m.bytesTotal.WithLabelValues("in").Add(float64(bytesIn))
	m.bytesTotal.WithLabelValues("out").Add(float64(bytesOut))
	m.connectionDuration.WithLabelValues(result).Observe(duration.Seconds())
	m.closedTotal.WithLabelValues(result).Inc()
}

// SetActiveConnections sets the tracked connection gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}

// UpstreamConnected records a successful upstream connection.
func (m *Metrics) UpstreamConnected(duration time.Duration) {
	m.upstreamDuration.Observe(duration.Seconds())
}

// UpstreamFailed counts a failed upstream connection.
func (m *Metrics) UpstreamFailed(kind UpstreamErrorKind) {
	m.upstreamErrors.WithLabelValues(string(kind)).Inc()
}

// StreamCompleted records one forwarded stream.
func (m *Metrics) StreamCompleted(status int, duration time.Duration) {
	m.streamsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.streamDuration.Observe(duration.Seconds())
}

// ForwardingFailed counts a mid-transfer failure.
func (m *Metrics) ForwardingFailed(direction Direction) {
	m.forwardingErrors.WithLabelValues(string(direction)).Inc()
}

// SetCircuitBreakerState publishes the breaker state.
func (m *Metrics) SetCircuitBreakerState(state string) {
	switch state {
	case "half-open":
		m.breakerState.Set(1)
	case "open":
		m.breakerState.Set(2)
	default:
		m.breakerState.Set(0)
	}
}

// NopMetrics is a MetricsRecorder that records nothing.
type NopMetrics struct{}

// NewNopMetrics creates a no-op recorder.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// ConnectionAccepted is a no-op.
func (m *NopMetrics) ConnectionAccepted() {}

// ConnectionRejected is a no-op.
func (m *NopMetrics) ConnectionRejected(_ string) {}

// ConnectionClosed is a no-op.
func (m *NopMetrics) ConnectionClosed(_ string, _, _ int64, _ time.Duration) {}

// SetActiveConnections is a no-op.
func (m *NopMetrics) SetActiveConnections(_ int) {}

// UpstreamConnected is a no-op.
func (m *NopMetrics) UpstreamConnected(_ time.Duration) {}

// UpstreamFailed is a no-op.
func (m *NopMetrics) UpstreamFailed(_ UpstreamErrorKind) {}

// StreamCompleted is a no-op.
func (m *NopMetrics) StreamCompleted(_ int, _ time.Duration) {}

// ForwardingFailed is a no-op.
func (m *NopMetrics) ForwardingFailed(_ Direction) {}

// SetCircuitBreakerState is a no-op.
func (m *NopMetrics) SetCircuitBreakerState(_ string) {}
