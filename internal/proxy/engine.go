package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// Engine runs the sidecar: accept, inbound handshake, upstream connect,
// forward and teardown for every connection.
type Engine struct {
	config Config
	server *tlspkg.ServerContext
	client *tlspkg.ClientContext
	dialer Dialer

	logger     observability.Logger
	metrics    MetricsRecorder
	tlsMetrics tlspkg.MetricsRecorder
	tracer     *observability.Tracer

	tracker   *ConnectionTracker
	connector *Connector
	forwarder *Forwarder

	mu        sync.Mutex
	running   bool
	acceptor  *Acceptor
	serveDone chan struct{}
	drainCh   chan struct{}
	serving   atomic.Bool

	handlerCtx    context.Context
	handlerCancel context.CancelFunc
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the proxy metrics recorder.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithTLSMetrics sets the handshake metrics recorder.
func WithTLSMetrics(metrics tlspkg.MetricsRecorder) Option {
	return func(e *Engine) {
		e.tlsMetrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithDialer replaces the dialer used for upstream connections.
func WithDialer(dialer Dialer) Option {
	return func(e *Engine) {
		e.dialer = dialer
	}
}

// New creates an engine. The contexts are shared read-only by every
// connection.
func New(cfg Config, server *tlspkg.ServerContext, client *tlspkg.ClientContext, opts ...Option) (*Engine, error) {
	if server == nil {
		return nil, errors.New("server TLS context is required")
	}
	if client == nil {
		return nil, errors.New("client TLS context is required")
	}
	if cfg.Upstream == "" {
		return nil, errors.New("upstream address is required")
	}
	cfg.applyDefaults()

	e := &Engine{
		config: cfg,
		server: server,
		client: client,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	if e.metrics == nil {
		e.metrics = NewNopMetrics()
	}
	if e.tlsMetrics == nil {
		e.tlsMetrics = tlspkg.NewNopMetrics()
	}
	if e.tracer == nil {
		tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "avasidecar"})
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
		e.tracer = tracer
	}
	if e.dialer == nil {
		e.dialer = &net.Dialer{}
	}

	e.tracker = NewConnectionTracker(cfg.MaxConnections, e.logger)
	e.connector = newConnector(client, e.dialer, &e.config, e.metrics, e.tlsMetrics, e.tracer, e.logger)
	e.forwarder = newForwarder(&e.config, e.metrics, e.tracer, e.logger)
	e.metrics.SetCircuitBreakerState(e.connector.State())

	return e, nil
}

// Start binds the listen address. Bind failures are startup failures.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrEngineRunning
	}

	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", e.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.Listen, err)
	}

	e.acceptor = newAcceptor(listener, e.server, e.tracker, &e.config, e.metrics, e.tlsMetrics, e.logger)
	e.handlerCtx, e.handlerCancel = context.WithCancel(context.Background())
	e.drainCh = make(chan struct{})
	e.serveDone = nil
	e.running = true

	e.logger.Info("sidecar listening",
		observability.String("address", listener.Addr().String()),
		observability.String("upstream", e.config.Upstream),
		observability.String("mode", e.config.Mode),
		observability.String("alpn_policy", e.config.ALPNPolicy),
		observability.Int("max_connections", e.config.MaxConnections),
		observability.Duration("shutdown_grace", e.config.ShutdownGrace),
	)
	return nil
}

// Serve runs the accept loop. It returns nil once Stop is called or ctx is
// cancelled, and an error wrapping ErrListenerClosed if the listener dies.
// Cancelling ctx stops accepting; Stop drains the remaining connections.
func (e *Engine) Serve(ctx context.Context) error {
	e.mu.Lock()
	acceptor := e.acceptor
	if acceptor == nil {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	if e.serveDone != nil {
		e.mu.Unlock()
		return ErrEngineRunning
	}
	serveDone := make(chan struct{})
	e.serveDone = serveDone
	handlerCtx := e.handlerCtx
	e.mu.Unlock()

	defer close(serveDone)

	e.serving.Store(true)
	defer e.serving.Store(false)

	stop := context.AfterFunc(ctx, func() { _ = acceptor.Close() })
	defer stop()

	err := acceptor.Serve(handlerCtx, func(connCtx context.Context, tracked *TrackedConnection) {
		e.handleConnection(connCtx, acceptor, tracked)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("accept loop failed", observability.Error(err))
		return err
	}
	return nil
}

// Stop closes the listener, lets in-flight connections drain for the
// shutdown grace period, then force-closes whatever is left.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	acceptor := e.acceptor
	serveDone := e.serveDone
	e.mu.Unlock()

	e.logger.Info("stopping sidecar",
		observability.Duration("shutdown_grace", e.config.ShutdownGrace),
		observability.Int("active_connections", e.tracker.Count()),
	)

	if err := acceptor.Close(); err != nil {
		e.logger.Debug("error closing listener", observability.Error(err))
	}
	close(e.drainCh)

	// No handler can be spawned once the accept loop is gone.
	if serveDone != nil {
		<-serveDone
	}

	graceCtx, cancel := context.WithTimeout(ctx, e.config.ShutdownGrace)
	defer cancel()

	if acceptor.wait(graceCtx) {
		e.handlerCancel()
		e.logger.Info("all connections closed gracefully")
		return nil
	}

	e.logger.Warn("shutdown grace expired, force closing remaining connections",
		observability.Int("remaining_connections", e.tracker.Count()),
	)
	e.handlerCancel()
	e.tracker.CloseAll()

	forceCtx, forceCancel := context.WithTimeout(context.Background(), forceCloseWait)
	defer forceCancel()
	if !acceptor.wait(forceCtx) {
		e.logger.Warn("connection handlers did not exit after force close",
			observability.Int("remaining_connections", e.tracker.Count()),
		)
	}
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acceptor == nil {
		return nil
	}
	return e.acceptor.Addr()
}

// Serving reports whether the accept loop is running.
func (e *Engine) Serving() bool {
	return e.serving.Load()
}

// ActiveConnections returns the number of tracked connections.
func (e *Engine) ActiveConnections() int {
	return e.tracker.Count()
}

// BreakerState returns the upstream circuit breaker state.
func (e *Engine) BreakerState() string {
	return e.connector.State()
}

// handleConnection drives one connection from handshake to teardown.
func (e *Engine) handleConnection(ctx context.Context, acceptor *Acceptor, tracked *TrackedConnection) {
	ctx = observability.ContextWithConnectionID(ctx, tracked.ID)
	ctx, span := e.tracer.StartSpan(ctx, "proxy.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("client.address", tracked.RemoteAddr),
			attribute.String("sidecar.connection_id", tracked.ID),
		),
	)
	defer span.End()
	logger := e.logger.WithContext(ctx)

	result := ResultForwarded
	defer func() {
		bytesIn, bytesOut, duration := tracked.GetStats()
		e.metrics.ConnectionClosed(result, bytesIn, bytesOut, duration)
		span.SetAttributes(
			attribute.String("sidecar.result", result),
			attribute.Int64("sidecar.bytes_in", bytesIn),
			attribute.Int64("sidecar.bytes_out", bytesOut),
		)
		logger.Info("connection closed",
			observability.String("remote_addr", tracked.RemoteAddr),
			observability.String("result", result),
			observability.Int64("bytes_in", bytesIn),
			observability.Int64("bytes_out", bytesOut),
			observability.Duration("duration", duration),
		)
	}()

	inbound, err := acceptor.Handshake(ctx, tracked)
	if err != nil {
		result = ResultHandshakeError
		span.RecordError(err)
		span.SetStatus(codes.Error, "inbound handshake failed")
		logger.Warn("inbound handshake failed",
			observability.String("remote_addr", tracked.RemoteAddr),
			observability.Error(err),
		)
		return
	}

	span.SetAttributes(
		attribute.String("tls.client.subject", inbound.PeerSubject()),
		attribute.String("tls.protocol.version", inbound.Version()),
		attribute.String("tls.alpn", inbound.Protocol()),
	)
	logger.Debug("inbound session established",
		observability.String("peer", inbound.PeerSubject()),
		observability.String("alpn", inbound.Protocol()),
		observability.String("tls_version", inbound.Version()),
		observability.Duration("handshake_duration", inbound.HandshakeDuration),
	)

	outbound, err := e.connector.Connect(ctx, inbound)
	if err != nil {
		result = ResultUpstreamError
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream connect failed")
		logger.Warn("upstream connection failed",
			observability.String("upstream", e.connector.Address()),
			observability.Error(err),
		)
		e.forwarder.Reject(ctx, inbound, err)
		return
	}

	pair := NewPair(inbound, outbound, e.drainCh)
	mode := e.forwarder.ModeFor(inbound)
	span.SetAttributes(attribute.String("sidecar.mode", mode))

	result, err = e.forwarder.Forward(ctx, pair)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forwarding failed")
		logger.Warn("forwarding failed",
			observability.String("mode", mode),
			observability.Error(err),
		)
	}
}
