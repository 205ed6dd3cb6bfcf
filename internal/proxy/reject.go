package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/vyrodovalexey/avasidecar/internal/config"
)

// proxyStatusName identifies this proxy in Proxy-Status response headers.
const proxyStatusName = "avasidecar"

// Reject closes an inbound session whose upstream could not be reached.
// In stream mode every stream the client opens is answered with 502 and the
// connection is shut down with GOAWAY; otherwise the socket is reset.
func (f *Forwarder) Reject(ctx context.Context, inbound *InboundSession, cause error) {
	if f.ModeFor(inbound) != config.ForwardingModeStream {
		resetConn(inbound.Conn)
		return
	}

	errorType := proxyStatusError(cause)
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeBadGateway(w, errorType, true)
		f.metrics.StreamCompleted(http.StatusBadGateway, 0)
	})

	hs := &http.Server{Handler: handler, ErrorLog: newErrorLog(f.logger)}
	h2 := &http2.Server{MaxConcurrentStreams: f.maxConcurrentStreams}
	if err := http2.ConfigureServer(hs, h2); err != nil {
		resetConn(inbound.Conn)
		return
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := NewCountingConn(inbound.Conn, inbound.tracked)
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		h2.ServeConn(conn, &http2.ServeConnOpts{
			Context:    serveCtx,
			BaseConfig: hs,
			Handler:    handler,
		})
	}()

	timer := time.NewTimer(f.closeGrace)
	defer timer.Stop()
	select {
	case <-serveDone:
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = inbound.Conn.Close()
	<-serveDone
}

// resetConn closes the raw socket with linger 0 so the peer sees a reset
// rather than an orderly close.
func resetConn(conn *tls.Conn) {
	raw := conn.NetConn()
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = raw.Close()
}

// proxyStatusError maps an upstream failure to a Proxy-Status error type.
func proxyStatusError(err error) string {
	var upErr *UpstreamConnectError
	if !errors.As(err, &upErr) {
		return "proxy_internal_error"
	}
	switch upErr.Kind {
	case UpstreamTimeout:
		return "connection_timeout"
	case UpstreamCertificate:
		return "tls_certificate_error"
	case UpstreamProtocol:
		return "tls_protocol_error"
	default:
		return "destination_unavailable"
	}
}
