package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avasidecar/internal/config"
	"github.com/vyrodovalexey/avasidecar/internal/observability"
	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// Dialer opens raw upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connector originates one outbound mTLS session per inbound session.
// A circuit breaker guards the upstream so a dead upstream fails fast.
type Connector struct {
	address          string
	client           *tlspkg.ClientContext
	dialer           Dialer
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	breaker          *gobreaker.CircuitBreaker

	metrics    MetricsRecorder
	tlsMetrics tlspkg.MetricsRecorder
	tracer     *observability.Tracer
	logger     observability.Logger
}

func newConnector(
	client *tlspkg.ClientContext,
	dialer Dialer,
	cfg *Config,
	metrics MetricsRecorder,
	tlsMetrics tlspkg.MetricsRecorder,
	tracer *observability.Tracer,
	logger observability.Logger,
) *Connector {
	c := &Connector{
		address:          cfg.Upstream,
		client:           client,
		dialer:           dialer,
		dialTimeout:      cfg.UpstreamDialTimeout,
		handshakeTimeout: cfg.UpstreamHandshakeTimeout,
		metrics:          metrics,
		tlsMetrics:       tlsMetrics,
		tracer:           tracer,
		logger:           logger,
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = newCircuitBreaker(cfg.Upstream, cfg.CircuitBreaker, metrics, logger)
	}
	return c
}

// newCircuitBreaker trips after FailureThreshold consecutive connect failures.
func newCircuitBreaker(
	name string,
	cfg config.CircuitBreakerConfig,
	metrics MetricsRecorder,
	logger observability.Logger,
) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = config.DefaultBreakerFailures
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval.Duration(),
		Timeout:     cfg.Timeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				observability.String("upstream", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			metrics.SetCircuitBreakerState(to.String())
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// State returns the circuit breaker state: closed, half-open or open.
// It is always closed when the breaker is disabled.
func (c *Connector) State() string {
	if c.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return c.breaker.State().String()
}

// Address returns the upstream address.
func (c *Connector) Address() string {
	return c.address
}

// Connect dials the upstream and completes the client handshake, offering
// the protocol the inbound session negotiated. It must only be called with
// an established inbound session.
func (c *Connector) Connect(ctx context.Context, inbound *InboundSession) (*OutboundSession, error) {
	ctx, span := c.tracer.StartSpan(ctx, "proxy.upstream_connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server.address", c.address),
			attribute.String("tls.client.alpn", inbound.Protocol()),
		),
	)
	defer span.End()

	var protocols []string
	if p := inbound.Protocol(); p != "" {
		protocols = []string{p}
	}

	session, err := c.execute(func() (*OutboundSession, error) {
		return c.connect(ctx, protocols)
	})
	if err != nil {
		var upErr *UpstreamConnectError
		if !errors.As(err, &upErr) {
			upErr = NewUpstreamConnectError(c.address, UpstreamUnreachable, err)
		}
		c.metrics.UpstreamFailed(upErr.Kind)
		span.RecordError(upErr)
		span.SetAttributes(attribute.String("sidecar.upstream_error", string(upErr.Kind)))
		return nil, upErr
	}

	c.metrics.UpstreamConnected(session.ConnectDuration)
	span.SetAttributes(attribute.String("tls.server.subject", session.Upstream.Subject))
	return session, nil
}

// execute runs fn through the circuit breaker when one is configured.
func (c *Connector) execute(fn func() (*OutboundSession, error)) (*OutboundSession, error) {
	if c.breaker == nil {
		return fn()
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewUpstreamConnectError(c.address, UpstreamCircuitOpen, err)
		}
		return nil, err
	}
	return res.(*OutboundSession), nil
}

func (c *Connector) connect(ctx context.Context, protocols []string) (*OutboundSession, error) {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	raw, err := c.dialer.DialContext(dialCtx, "tcp", c.address)
	dialErr := dialCtx.Err()
	cancel()
	if err != nil {
		kind := UpstreamUnreachable
		if isTimeout(err) || errors.Is(dialErr, context.DeadlineExceeded) {
			kind = UpstreamTimeout
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, NewUpstreamConnectError(c.address, kind, err)
	}

	conn, err := c.client.ClientWithProtocols(raw, protocols)
	if err != nil {
		_ = raw.Close()
		return nil, NewUpstreamConnectError(c.address, UpstreamProtocol, err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		c.tlsMetrics.RecordHandshakeError(tlspkg.SideOutbound, tlspkg.HandshakeFailureReason(err))
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, NewUpstreamConnectError(c.address, classifyHandshakeError(err, hsCtx), err)
	}

	state := conn.ConnectionState()
	want := ""
	if len(protocols) > 0 {
		want = protocols[0]
	}
	if state.NegotiatedProtocol != want {
		_ = conn.Close()
		c.tlsMetrics.RecordHandshakeError(tlspkg.SideOutbound, "alpn_mismatch")
		return nil, NewUpstreamConnectError(c.address, UpstreamProtocol,
			fmt.Errorf("upstream negotiated %q, client negotiated %q", state.NegotiatedProtocol, want))
	}

	duration := time.Since(start)
	c.tlsMetrics.RecordHandshake(tlspkg.SideOutbound, state, duration)

	c.logger.Debug("upstream session established",
		observability.String("upstream", c.address),
		observability.String("alpn", state.NegotiatedProtocol),
		observability.String("tls_version", tlspkg.TLSVersionName(state.Version)),
		observability.Duration("duration", duration),
	)

	return &OutboundSession{
		Address:         c.address,
		Conn:            conn,
		State:           state,
		Upstream:        tlspkg.PeerIdentityFromState(state),
		ConnectDuration: duration,
		EstablishedAt:   time.Now(),
	}, nil
}

// classifyHandshakeError maps an outbound handshake failure to an error kind.
func classifyHandshakeError(err error, hsCtx context.Context) UpstreamErrorKind {
	if errors.Is(hsCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return UpstreamTimeout
	}
	if tlspkg.IsCertificateVerificationError(err) {
		return UpstreamCertificate
	}

	var alert tls.AlertError
	if errors.As(err, &alert) {
		switch tlspkg.HandshakeFailureReason(err) {
		case "bad_certificate", "unknown_ca", "no_client_certificate":
			return UpstreamCertificate
		default:
			return UpstreamProtocol
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "bad certificate"),
		strings.Contains(msg, "unknown certificate authority"),
		strings.Contains(msg, "certificate required"):
		return UpstreamCertificate
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "EOF"), strings.Contains(msg, "broken pipe"):
		return UpstreamUnreachable
	default:
		return UpstreamProtocol
	}
}
