package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
	"github.com/vyrodovalexey/avasidecar/test/helpers"
)

// countingDialer counts upstream dial attempts.
type countingDialer struct {
	dialer net.Dialer
	dials  atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	return d.dialer.DialContext(ctx, network, address)
}

func (d *countingDialer) Count() int {
	return int(d.dials.Load())
}

// harness runs an engine in front of an upstream for one test.
type harness struct {
	t       *testing.T
	fixture *helpers.Fixture
	engine  *Engine
	metrics *Metrics
	dialer  *countingDialer
	addr    string
	serveCh chan error
	stopped atomic.Bool
}

func newTestFixture(t *testing.T) *helpers.Fixture {
	t.Helper()
	f, err := helpers.NewFixture(t.TempDir())
	require.NoError(t, err)
	return f
}

// startUpstream starts an mTLS HTTP/2 upstream trusted by the fixture CA.
func startUpstream(t *testing.T, f *helpers.Fixture, handler http.Handler) string {
	t.Helper()
	upstream, err := f.StartUpstream(handler)
	require.NoError(t, err)
	t.Cleanup(upstream.Close)
	return upstream.Address()
}

func testConfig(upstream string) Config {
	return Config{
		Listen:                   "127.0.0.1:0",
		Upstream:                 upstream,
		InboundHandshakeTimeout:  2 * time.Second,
		UpstreamDialTimeout:      2 * time.Second,
		UpstreamHandshakeTimeout: 2 * time.Second,
		IdleTimeout:              time.Minute,
		CloseGrace:               500 * time.Millisecond,
		ShutdownGrace:            2 * time.Second,
		AcceptDeadline:           50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, f *helpers.Fixture, cfg Config) *harness {
	t.Helper()

	store, err := tlspkg.LoadCertificateStore(tlspkg.CertificatePaths{
		CAFile:     f.CAFile,
		ServerCert: f.ProxyCertFile,
		ServerKey:  f.ProxyKeyFile,
		ClientCert: f.ProxyClientCert,
		ClientKey:  f.ProxyClientKey,
	})
	require.NoError(t, err)

	server, err := tlspkg.NewServerContext(store.ServerMaterial(), tlspkg.DefaultPolicy())
	require.NoError(t, err)
	client, err := tlspkg.NewClientContext(store.ClientMaterial(), tlspkg.DefaultPolicy(), "127.0.0.1")
	require.NoError(t, err)

	h := &harness{
		t:       t,
		fixture: f,
		metrics: NewMetrics("test", WithRegistry(prometheus.NewRegistry())),
		dialer:  &countingDialer{},
		serveCh: make(chan error, 1),
	}

	h.engine, err = New(cfg, server, client,
		WithMetrics(h.metrics),
		WithDialer(h.dialer),
	)
	require.NoError(t, err)

	require.NoError(t, h.engine.Start(context.Background()))
	h.addr = h.engine.Addr().String()

	go func() {
		h.serveCh <- h.engine.Serve(context.Background())
	}()
	require.Eventually(t, h.engine.Serving, time.Second, 5*time.Millisecond)

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.engine.Stop(ctx))
	require.NoError(h.t, <-h.serveCh)
}

func (h *harness) url() string {
	return "https://" + h.addr + "/hello"
}

// http2Client returns an HTTP/2 client presenting the fixture client
// certificate. Its connections are closed at cleanup.
func (h *harness) http2Client() *http.Client {
	cfg, err := h.fixture.ClientConfig()
	require.NoError(h.t, err)
	client := helpers.NewHTTP2Client(cfg)
	h.t.Cleanup(client.CloseIdleConnections)
	return client
}

func (h *harness) get(client *http.Client) (*http.Response, string) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(), nil)
	require.NoError(h.t, err)
	resp, err := client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, string(body)
}

// dialTLS opens a raw TLS connection to the proxy with the given config.
func (h *harness) dialTLS(cfg *tls.Config) (*tls.Conn, error) {
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	return tls.DialWithDialer(dialer, "tcp", h.addr, cfg)
}

// openHTTP2 opens a frame-level HTTP/2 connection to the proxy. It returns
// once the proxy has sent its SETTINGS, which only happens after the
// upstream session is established.
func (h *harness) openHTTP2() (*tls.Conn, *http2.Framer) {
	h.t.Helper()

	cfg, err := h.fixture.ClientConfig()
	require.NoError(h.t, err)
	conn, err := h.dialTLS(cfg)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	require.NoError(h.t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, http2.ClientPreface)
	require.NoError(h.t, err)
	framer := http2.NewFramer(conn, conn)
	require.NoError(h.t, framer.WriteSettings())

	frame, err := framer.ReadFrame()
	require.NoError(h.t, err)
	settings, ok := frame.(*http2.SettingsFrame)
	require.True(h.t, ok, "first frame is %T", frame)
	require.False(h.t, settings.IsAck())
	require.NoError(h.t, framer.WriteSettingsAck())

	return conn, framer
}

// readUntilClosed reads frames until the connection fails and reports
// whether a GOAWAY arrived before that.
func readUntilClosed(framer *http2.Framer) (bool, error) {
	sawGoAway := false
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			return sawGoAway, err
		}
		if _, ok := frame.(*http2.GoAwayFrame); ok {
			sawGoAway = true
		}
	}
}

// requireClosedByPeer fails if err is a deadline rather than a close.
func requireClosedByPeer(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "connection was not closed")
	}
}

func (h *harness) closedCount(result string) float64 {
	return testutil.ToFloat64(h.metrics.closedTotal.WithLabelValues(result))
}

func (h *harness) waitClosed(result string, n float64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.closedCount(result) >= n
	}, 5*time.Second, 10*time.Millisecond, "no %q close recorded", result)
}

// startRawUpstream starts an mTLS upstream that hands every connection
// to serve.
func startRawUpstream(t *testing.T, f *helpers.Fixture, serve func(net.Conn), protocols ...string) string {
	t.Helper()

	cfg, err := f.PKI.ServerMTLSConfig(f.Upstream, protocols...)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = c.SetDeadline(time.Now().Add(10 * time.Second))
				serve(c)
			}(conn)
		}
	}()

	return ln.Addr().String()
}

// echoAfterEOF reads until EOF and answers "got:" followed by the data.
func echoAfterEOF(c net.Conn) {
	data, err := io.ReadAll(c)
	if err != nil {
		return
	}
	_, _ = c.Write(append([]byte("got:"), data...))
}
