package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec

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

// NewMetrics creates health metrics and registers them.
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

	m.checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help: "Total number of " +
				"health checks performed",
		},
		[]string{"type"},
	)
	m.checkStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_status",
			Help: "Current health check " +
				"status (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"check"},
	)

	m.registry.MustRegister(m.checksTotal, m.checkStatus)
	m.init()

	return m
}

// init pre-creates the common label combinations so they show up in
// /metrics before the first probe.
func (m *Metrics) init() {
	for _, checkType := range []string{"liveness", "readiness"} {
		m.checksTotal.WithLabelValues(checkType)
	}
	m.checkStatus.WithLabelValues("overall")
}

// RecordCheck counts one probe of the given type.
func (m *Metrics) RecordCheck(checkType string) {
	m.checksTotal.WithLabelValues(checkType).Inc()
}

// SetCheckStatus publishes the latest status of a named check.
func (m *Metrics) SetCheckStatus(check string, status Status) {
	m.checkStatus.WithLabelValues(check).Set(statusValue(status))
}

func statusValue(status Status) float64 {
	switch status {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}
