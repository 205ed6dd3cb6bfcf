// Package observability provides logging, metrics, and tracing
// functionality for the sidecar.
//
// # Logging
//
// The Logger interface wraps zap. WithContext attaches the connection ID and
// the IDs of the active span found in a context:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = logger.Sync() }()
//
//	ctx = observability.ContextWithConnectionID(ctx, id)
//	logger.WithContext(ctx).Info("upstream connected",
//	    observability.String("upstream", addr),
//	)
//
// # Metrics
//
// Metrics owns the Prometheus registry served on /metrics. Component
// metrics register into Registry():
//
//	metrics := observability.NewMetrics("sidecar")
//	tlsMetrics := tls.NewMetrics("sidecar", tls.WithRegistry(metrics.Registry()))
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when enabled. The proxy opens one
// span per connection and StreamSpans one per forwarded stream.
package observability
