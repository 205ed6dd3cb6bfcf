// Package helpers provides common test utilities for the sidecar tests.
package helpers

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// UpstreamGreeting is the body served by the default upstream handler.
const UpstreamGreeting = "Hello from upstream"

// Fixture is a complete certificate layout for a proxy deployment: one CA,
// the proxy's server and client pairs, an upstream server pair and a client pair.
type Fixture struct {
	PKI *PKI

	ProxyServer *KeyPair
	ProxyClient *KeyPair
	Upstream    *KeyPair
	Client      *KeyPair

	Dir             string
	CAFile          string
	ProxyCertFile   string
	ProxyKeyFile    string
	ProxyClientCert string
	ProxyClientKey  string
}

// NewFixture generates all certificates and writes the proxy's files into dir
// using the ca.crt, proxy.crt/key and proxy-client.crt/key layout.
func NewFixture(dir string) (*Fixture, error) {
	pki, err := NewPKI("Sidecar Test CA")
	if err != nil {
		return nil, err
	}

	f := &Fixture{PKI: pki, Dir: dir}

	if f.ProxyServer, err = pki.IssueServer("proxy.local"); err != nil {
		return nil, err
	}
	if f.ProxyClient, err = pki.IssueClient("proxy-client"); err != nil {
		return nil, err
	}
	if f.Upstream, err = pki.IssueServer("upstream.local"); err != nil {
		return nil, err
	}
	if f.Client, err = pki.IssueClient("client"); err != nil {
		return nil, err
	}

	if f.CAFile, err = pki.WriteCA(dir, "ca"); err != nil {
		return nil, err
	}
	if f.ProxyCertFile, f.ProxyKeyFile, err = f.ProxyServer.WriteFiles(dir, "proxy"); err != nil {
		return nil, err
	}
	if f.ProxyClientCert, f.ProxyClientKey, err = f.ProxyClient.WriteFiles(dir, "proxy-client"); err != nil {
		return nil, err
	}
	if _, _, err = f.Client.WriteFiles(dir, "client"); err != nil {
		return nil, err
	}

	return f, nil
}

// ClientConfig returns the TLS config of a well-behaved client of the proxy.
func (f *Fixture) ClientConfig() (*tls.Config, error) {
	cfg, err := f.PKI.ClientMTLSConfig(f.Client, "h2")
	if err != nil {
		return nil, err
	}
	cfg.ServerName = "localhost"
	return cfg, nil
}

// UpstreamServer is an in-process mTLS HTTP/2 upstream.
type UpstreamServer struct {
	*httptest.Server
}

// StartUpstream starts an upstream that requires client certificates from
// the fixture CA and serves handler over HTTP/2. A nil handler answers
// every request with UpstreamGreeting.
func (f *Fixture) StartUpstream(handler http.Handler) (*UpstreamServer, error) {
	cfg, err := f.PKI.ServerMTLSConfig(f.Upstream, "h2")
	if err != nil {
		return nil, err
	}
	return StartMTLSServer(cfg, handler), nil
}

// StartMTLSServer starts an HTTP/2 test server with the given TLS config.
func StartMTLSServer(cfg *tls.Config, handler http.Handler) *UpstreamServer {
	if handler == nil {
		handler = GreetingHandler()
	}

	srv := httptest.NewUnstartedServer(handler)
	srv.EnableHTTP2 = true
	srv.TLS = cfg
	srv.StartTLS()

	return &UpstreamServer{Server: srv}
}

// Address returns host:port of the upstream listener.
func (u *UpstreamServer) Address() string {
	return u.Listener.Addr().String()
}

// GreetingHandler answers every request with UpstreamGreeting.
func GreetingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream-Protocol", r.Proto)
		_, _ = io.WriteString(w, UpstreamGreeting)
	})
}

// NewHTTP2Client returns an HTTP/2-only client using cfg.
func NewHTTP2Client(cfg *tls.Config) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{TLSClientConfig: cfg},
		Timeout:   10 * time.Second,
	}
}

// GetBody performs a GET against url and returns status and body.
func GetBody(ctx context.Context, client *http.Client, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// FreeAddress returns a loopback address with a currently unused port.
func FreeAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr, nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ListenAddress returns the address the e2e suite binds the proxy to.
func ListenAddress() string {
	return getEnvOrDefault("TEST_SIDECAR_LISTEN", "127.0.0.1:8443")
}
