package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avasidecar/internal/config"
	"github.com/vyrodovalexey/avasidecar/internal/observability"
	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// Accept error backoff bounds, as in net/http.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ConnectionHandler processes one admitted connection and owns it.
type ConnectionHandler func(ctx context.Context, tracked *TrackedConnection)

// Acceptor owns the listening socket. It admits connections, hands each one
// to its own goroutine and terminates inbound mTLS on it.
type Acceptor struct {
	listener         net.Listener
	server           *tlspkg.ServerContext
	tracker          *ConnectionTracker
	limiter          *rate.Limiter
	handshakeTimeout time.Duration
	acceptDeadline   time.Duration
	alpnPolicy       string

	metrics    MetricsRecorder
	tlsMetrics tlspkg.MetricsRecorder
	logger     observability.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newAcceptor(
	listener net.Listener,
	server *tlspkg.ServerContext,
	tracker *ConnectionTracker,
	cfg *Config,
	metrics MetricsRecorder,
	tlsMetrics tlspkg.MetricsRecorder,
	logger observability.Logger,
) *Acceptor {
	a := &Acceptor{
		listener:         listener,
		server:           server,
		tracker:          tracker,
		handshakeTimeout: cfg.InboundHandshakeTimeout,
		acceptDeadline:   cfg.AcceptDeadline,
		alpnPolicy:       cfg.ALPNPolicy,
		metrics:          metrics,
		tlsMetrics:       tlsMetrics,
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
	if cfg.AcceptRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return a
}

// Addr returns the listener address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve runs the accept loop until Close is called, ctx is cancelled or the
// listener fails. It returns nil after Close, ctx.Err() on cancellation and
// an error wrapping ErrListenerClosed otherwise.
func (a *Acceptor) Serve(ctx context.Context, handle ConnectionHandler) error {
	var backoff time.Duration

	for {
		if err := a.checkShutdown(ctx); err != nil {
			return err
		}
		if a.stopped() {
			return nil
		}

		if err := a.setAcceptDeadline(); err != nil {
			a.logger.Warn("failed to set accept deadline", observability.Error(err))
		}

		conn, err := a.listener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if a.stopped() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %v", ErrListenerClosed, err)
			}

			backoff = nextBackoff(backoff)
			a.logger.Error("accept error",
				observability.Error(err),
				observability.Duration("retry_in", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-a.stopCh:
				return nil
			}
			continue
		}
		backoff = 0

		tracked, ok := a.admit(conn)
		if !ok {
			continue
		}
		a.spawnConnectionHandler(ctx, tracked, handle)
	}
}

// admit applies the accept rate limit and the connection limit. Rejected
// sockets are closed before any handshake.
func (a *Acceptor) admit(conn net.Conn) (*TrackedConnection, bool) {
	if a.limiter != nil && !a.limiter.Allow() {
		a.reject(conn, RejectRateLimited, nil)
		return nil, false
	}

	tracked, err := a.tracker.Add(conn)
	if err != nil {
		a.reject(conn, RejectMaxConnections, err)
		return nil, false
	}

	a.metrics.ConnectionAccepted()
	a.metrics.SetActiveConnections(a.tracker.Count())
	return tracked, true
}

func (a *Acceptor) reject(conn net.Conn, reason string, err error) {
	fields := []observability.Field{
		observability.String("remote_addr", conn.RemoteAddr().String()),
		observability.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, observability.Error(err))
	}
	a.logger.Warn("connection rejected", fields...)
	a.metrics.ConnectionRejected(reason)
	_ = conn.Close()
}

// spawnConnectionHandler runs handle on its own goroutine so a slow
// handshake never delays the next accept.
func (a *Acceptor) spawnConnectionHandler(ctx context.Context, tracked *TrackedConnection, handle ConnectionHandler) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.tracker.Remove(tracked.ID)
			a.metrics.SetActiveConnections(a.tracker.Count())
		}()
		defer func() { _ = tracked.Close() }()

		handle(ctx, tracked)
	}()
}

// Handshake terminates inbound mTLS on the tracked socket. On failure the
// socket is closed and a *HandshakeError is returned.
func (a *Acceptor) Handshake(ctx context.Context, tracked *TrackedConnection) (*InboundSession, error) {
	start := time.Now()
	conn := a.server.Server(tracked.conn)

	hctx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	defer cancel()

	if err := conn.HandshakeContext(hctx); err != nil {
		reason := tlspkg.HandshakeFailureReason(err)
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		return nil, a.fail(tracked, reason, err)
	}

	state := conn.ConnectionState()
	if state.NegotiatedProtocol != tlspkg.ProtocolHTTP2 && a.alpnPolicy != config.ALPNPolicyDowngrade {
		return nil, a.fail(tracked, "alpn_mismatch",
			fmt.Errorf("client negotiated %q, %s required", state.NegotiatedProtocol, tlspkg.ProtocolHTTP2))
	}

	duration := time.Since(start)
	a.tlsMetrics.RecordHandshake(tlspkg.SideInbound, state, duration)

	return &InboundSession{
		ID:                tracked.ID,
		RemoteAddr:        tracked.RemoteAddr,
		Conn:              conn,
		State:             state,
		Peer:              tlspkg.PeerIdentityFromState(state),
		HandshakeDuration: duration,
		EstablishedAt:     time.Now(),
		tracked:           tracked,
	}, nil
}

func (a *Acceptor) fail(tracked *TrackedConnection, reason string, cause error) error {
	a.tlsMetrics.RecordHandshakeError(tlspkg.SideInbound, reason)
	_ = tracked.conn.Close()
	return NewHandshakeError(tracked.RemoteAddr, reason, cause)
}

// Close stops the accept loop and closes the listener.
func (a *Acceptor) Close() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		err = a.listener.Close()
	})
	return err
}

// wait blocks until every connection handler has returned or ctx is done.
// It reports whether all handlers returned. Call only after Serve returned.
func (a *Acceptor) wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Acceptor) stopped() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

// checkShutdown reports context cancellation.
func (a *Acceptor) checkShutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		a.logger.Debug("context cancelled, stopping accept loop")
		return ctx.Err()
	default:
		return nil
	}
}

// setAcceptDeadline sets the accept deadline on the listener.
// Returns nil if the listener doesn't support deadlines.
func (a *Acceptor) setAcceptDeadline() error {
	if l, ok := a.listener.(interface{ SetDeadline(time.Time) error }); ok {
		return l.SetDeadline(time.Now().Add(a.acceptDeadline))
	}
	return nil
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}
