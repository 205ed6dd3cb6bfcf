package tls

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Side identifies which TLS session a measurement belongs to.
type Side string

// Session sides.
const (
	SideInbound  Side = "inbound"
	SideOutbound Side = "outbound"
)

// MetricsRecorder records TLS handshake and certificate metrics.
type MetricsRecorder interface {
	RecordHandshake(side Side, state tls.ConnectionState, duration time.Duration)
	RecordHandshakeError(side Side, reason string)
	UpdateCertificateExpiry(cert *x509.Certificate, role string)
}

// Metrics holds Prometheus metrics for TLS operations.
type Metrics struct {
	handshakesTotal   *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	handshakeErrors   *prometheus.CounterVec
	certificateExpiry *prometheus.GaugeVec

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

	m.handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshakes_total",
			Help:      "Total number of completed TLS handshakes by side, version and cipher suite",
		},
		[]string{"side", "version", "cipher", "alpn"},
	)

	m.handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_duration_seconds",
			Help:      "TLS handshake duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"side"},
	)

	m.handshakeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_errors_total",
			Help:      "Total number of failed TLS handshakes by side and reason",
		},
		[]string{"side", "reason"},
	)

	m.certificateExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "certificate_expiry_seconds",
			Help:      "Time until certificate expiry in seconds",
		},
		[]string{"subject", "role"},
	)

	m.registry.MustRegister(
		m.handshakesTotal,
		m.handshakeDuration,
		m.handshakeErrors,
		m.certificateExpiry,
	)

	return m
}

// RecordHandshake records a completed handshake.
func (m *Metrics) RecordHandshake(side Side, state tls.ConnectionState, duration time.Duration) {
	alpn := state.NegotiatedProtocol
	if alpn == "" {
		alpn = "none"
	}
	m.handshakesTotal.WithLabelValues(
		string(side),
		TLSVersionName(state.Version),
		CipherSuiteName(state.CipherSuite),
		alpn,
	).Inc()
	m.handshakeDuration.WithLabelValues(string(side)).Observe(duration.Seconds())
}

// RecordHandshakeError records a failed handshake.
func (m *Metrics) RecordHandshakeError(side Side, reason string) {
	m.handshakeErrors.WithLabelValues(string(side), reason).Inc()
}

// UpdateCertificateExpiry updates the certificate expiry metric.
func (m *Metrics) UpdateCertificateExpiry(cert *x509.Certificate, role string) {
	if cert == nil {
		return
	}

	subject := cert.Subject.CommonName
	if subject == "" {
		subject = cert.Subject.String()
	}

	m.certificateExpiry.WithLabelValues(subject, role).Set(time.Until(cert.NotAfter).Seconds())
}

// NopMetrics is a no-op implementation of MetricsRecorder.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordHandshake is a no-op.
func (m *NopMetrics) RecordHandshake(_ Side, _ tls.ConnectionState, _ time.Duration) {}

// RecordHandshakeError is a no-op.
func (m *NopMetrics) RecordHandshakeError(_ Side, _ string) {}

// UpdateCertificateExpiry is a no-op.
func (m *NopMetrics) UpdateCertificateExpiry(_ *x509.Certificate, _ string) {}

var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
