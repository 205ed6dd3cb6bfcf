package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/vyrodovalexey/avasidecar/internal/config"
	"github.com/vyrodovalexey/avasidecar/internal/health"
	"github.com/vyrodovalexey/avasidecar/internal/observability"
	"github.com/vyrodovalexey/avasidecar/internal/proxy"
	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "sidecar"

// tlsBundle is the certificate material and the two TLS contexts built from it.
type tlsBundle struct {
	store  *tlspkg.CertificateStore
	server *tlspkg.ServerContext
	client *tlspkg.ClientContext
}

// application holds all application components.
type application struct {
	config        *config.Config
	logger        observability.Logger
	tls           *tlsBundle
	metrics       *observability.Metrics
	tlsMetrics    *tlspkg.Metrics
	healthChecker *health.Checker
	tracer        *observability.Tracer
	engine        *proxy.Engine
	metricsServer *http.Server
}

// loadConfig loads and validates the configuration file.
func loadConfig(path string) (*config.Config, error) {
	resolved, err := config.ResolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(resolved)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", resolved, err)
	}
	return cfg, nil
}

// logConfig merges the logging section of cfg with explicit CLI settings.
func logConfig(cfg *config.Config, flags *cliFlags) observability.LogConfig {
	lc := observability.DefaultLogConfig()
	lc.Level = flags.logLevel
	lc.Format = flags.logFormat

	if cfg == nil {
		return lc
	}
	logging := cfg.Observability.Logging
	if !flags.logLevelSet && logging.Level != "" {
		lc.Level = logging.Level
	}
	if !flags.logFormatSet && logging.Format != "" {
		lc.Format = logging.Format
	}
	if logging.Output != "" {
		lc.Output = logging.Output
	}
	return lc
}

// initLogger initializes the logger.
func initLogger(cfg *config.Config, flags *cliFlags) (observability.Logger, error) {
	logger, err := observability.NewLogger(logConfig(cfg, flags))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// loadTLS loads the certificate store and builds both TLS contexts.
func loadTLS(cfg *config.Config, logger observability.Logger) (*tlsBundle, error) {
	store, err := tlspkg.LoadCertificateStore(cfg.CertificatePaths(), tlspkg.WithStoreLogger(logger))
	if err != nil {
		return nil, err
	}

	policy := cfg.TLSPolicy()
	server, err := tlspkg.NewServerContext(store.ServerMaterial(), policy)
	if err != nil {
		return nil, err
	}
	client, err := tlspkg.NewClientContext(store.ClientMaterial(), policy, cfg.UpstreamServerName())
	if err != nil {
		return nil, err
	}

	return &tlsBundle{store: store, server: server, client: client}, nil
}

// runValidate loads the configuration, the certificates and both TLS
// contexts, then reports success without binding any socket.
func runValidate(out io.Writer, flags *cliFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return startupError(err)
	}
	logger, err := initLogger(cfg, flags)
	if err != nil {
		return startupError(err)
	}
	defer func() { _ = logger.Sync() }()

	bundle, err := loadTLS(cfg, logger)
	if err != nil {
		return startupError(err)
	}

	fmt.Fprintf(out, "configuration valid: listen=%s upstream=%s server_name=%s mode=%s\n",
		cfg.Listen, cfg.Upstream, bundle.client.ServerName(), cfg.Forwarding.Mode)
	return nil
}

// initApplication wires every component. Nothing is bound until run.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	bundle, err := loadTLS(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics(metricsNamespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)
	registry := metrics.Registry()

	tlsMetrics := tlspkg.NewMetrics(metricsNamespace, tlspkg.WithRegistry(registry))
	proxyMetrics := proxy.NewMetrics(metricsNamespace, proxy.WithRegistry(registry))
	healthMetrics := health.NewMetrics(metricsNamespace, health.WithRegistry(registry))

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := proxy.New(proxy.NewConfig(cfg), bundle.server, bundle.client,
		proxy.WithLogger(logger),
		proxy.WithMetrics(proxyMetrics),
		proxy.WithTLSMetrics(tlsMetrics),
		proxy.WithTracer(tracer),
	)
	if err != nil {
		return nil, err
	}

	checker := health.NewChecker(version, health.WithMetrics(healthMetrics))
	checker.RegisterCheck("listener", health.ListenerCheck(engine.Serving))
	checker.RegisterCheck("circuit_breaker", health.CircuitBreakerCheck(engine.BreakerState))
	checker.RegisterCheck("certificates", health.CertificateExpiryCheck(
		bundle.store.Certificates, tlspkg.DefaultExpiryWarningThreshold, nil))
	checker.RegisterCheck("upstream", health.UpstreamReachableCheck(
		cfg.Upstream, cfg.Timeouts.UpstreamDial.Duration()))

	return &application{
		config:        cfg,
		logger:        logger,
		tls:           bundle,
		metrics:       metrics,
		tlsMetrics:    tlsMetrics,
		healthChecker: checker,
		tracer:        tracer,
		engine:        engine,
	}, nil
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config) (*observability.Tracer, error) {
	tc := cfg.Observability.Tracing
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  tc.ServiceName,
		OTLPEndpoint: tc.OTLPEndpoint,
		SamplingRate: tc.SamplingRate,
		Enabled:      tc.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	return tracer, nil
}
