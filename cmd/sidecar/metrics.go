package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avasidecar/internal/health"
	"github.com/vyrodovalexey/avasidecar/internal/observability"
)

// createMetricsServer creates the metrics and health HTTP server.
func createMetricsServer(
	path string,
	metrics *observability.Metrics,
	healthChecker *health.Checker,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	healthChecker.Register(mux)

	return &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// startMetricsServerIfEnabled binds the metrics listener and serves it in
// the background. A bind failure is a startup failure.
func startMetricsServerIfEnabled(app *application) error {
	mc := app.config.Observability.Metrics
	if !mc.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", mc.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address %s: %w", mc.Address, err)
	}

	app.metricsServer = createMetricsServer(mc.Path, app.metrics, app.healthChecker)
	app.logger.Info("starting metrics server",
		observability.String("address", ln.Addr().String()),
		observability.String("metrics_path", mc.Path),
	)

	go runMetricsServer(app.metricsServer, ln, app.logger)
	return nil
}

// runMetricsServer runs the metrics HTTP server.
func runMetricsServer(server *http.Server, ln net.Listener, logger observability.Logger) {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", observability.Error(err))
	}
}
