package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
)

// shutdownSlack is added to the shutdown grace for the steps that follow the drain.
const shutdownSlack = 5 * time.Second

// runSidecar loads everything, serves until SIGINT, SIGTERM or ctx
// cancellation and drains. Failures before the first accept are startup
// errors, a listener dying while serving is a runtime error.
func runSidecar(ctx context.Context, flags *cliFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return startupError(err)
	}

	logger, err := initLogger(cfg, flags)
	if err != nil {
		return startupError(err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avasidecar",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	app, err := initApplication(cfg, logger)
	if err != nil {
		logger.Error("startup failed", observability.Error(err))
		return startupError(err)
	}

	return runApplication(ctx, app)
}

// runApplication binds the listeners and blocks until shutdown.
func runApplication(ctx context.Context, app *application) error {
	logger := app.logger

	if err := app.engine.Start(ctx); err != nil {
		logger.Error("startup failed", observability.Error(err))
		shutdownTracer(app)
		return startupError(err)
	}
	if err := startMetricsServerIfEnabled(app); err != nil {
		logger.Error("startup failed", observability.Error(err))
		stopApplication(app)
		return startupError(err)
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go app.tls.store.MonitorExpiry(monitorCtx, app.tlsMetrics, logger,
		app.config.TLS.ExpiryCheckInterval.Duration())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.engine.Serve(context.Background())
	}()
	app.metrics.SetReady(true)

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	select {
	case <-sigCtx.Done():
		logger.Info("received shutdown signal")
		stopApplication(app)
		<-serveErr
		logger.Info("sidecar stopped")
		return nil

	case err := <-serveErr:
		stopApplication(app)
		if err != nil {
			logger.Error("listener failed while serving", observability.Error(err))
			return runtimeError(err)
		}
		logger.Info("sidecar stopped")
		return nil
	}
}

// stopApplication drains the engine and then shuts down the metrics server
// and the tracer. Readiness flips first so load balancers stop routing.
func stopApplication(app *application) {
	logger := app.logger

	app.healthChecker.SetDraining(true)
	app.metrics.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		app.config.Timeouts.ShutdownGrace.Duration()+shutdownSlack)
	defer cancel()

	if err := app.engine.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop sidecar gracefully", observability.Error(err))
	}

	if app.metricsServer != nil {
		logger.Info("stopping metrics server")
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	shutdownTracer(app)
}

func shutdownTracer(app *application) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownSlack)
	defer cancel()
	if err := app.tracer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}
}
