package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avasidecar/test/helpers"
)

func loadStore(t *testing.T, f *helpers.Fixture) *CertificateStore {
	t.Helper()
	store, err := LoadCertificateStore(fixturePaths(f))
	require.NoError(t, err)
	return store
}

func TestNewServerContext(t *testing.T) {
	store := loadStore(t, newFixture(t))

	ctx, err := NewServerContext(store.ServerMaterial(), DefaultPolicy())
	require.NoError(t, err)

	cfg := ctx.Config()
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, []string{"h2"}, cfg.NextProtos)
	assert.Equal(t, defaultCipherSuites(), cfg.CipherSuites)
	assert.Equal(t, defaultCurvePreferences(), cfg.CurvePreferences)
	assert.Len(t, cfg.Certificates, 1)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "proxy.local", ctx.Certificate().Subject.CommonName)
}

func TestServerContext_ConfigIsACopy(t *testing.T) {
	store := loadStore(t, newFixture(t))

	ctx, err := NewServerContext(store.ServerMaterial(), DefaultPolicy())
	require.NoError(t, err)

	cfg := ctx.Config()
	cfg.ClientAuth = tls.NoClientCert
	cfg.NextProtos = append(cfg.NextProtos, "http/1.1")

	fresh := ctx.Config()
	assert.Equal(t, tls.RequireAndVerifyClientCert, fresh.ClientAuth)
	assert.Equal(t, []string{"h2"}, fresh.NextProtos)
}

func TestNewClientContext(t *testing.T) {
	store := loadStore(t, newFixture(t))

	ctx, err := NewClientContext(store.ClientMaterial(), DefaultPolicy(), "127.0.0.1")
	require.NoError(t, err)

	cfg := ctx.Config()
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, "127.0.0.1", cfg.ServerName)
	assert.Equal(t, "127.0.0.1", ctx.ServerName())
	assert.Len(t, cfg.Certificates, 1)
	assert.False(t, cfg.InsecureSkipVerify)
}

func TestContextConstructionErrors(t *testing.T) {
	f := newFixture(t)
	store := loadStore(t, f)

	tests := []struct {
		name  string
		build func() error
	}{
		{
			name: "empty ALPN list",
			build: func() error {
				_, err := NewServerContext(store.ServerMaterial(), Policy{MinVersion: TLSVersion12})
				return err
			},
		},
		{
			name: "legacy minimum version",
			build: func() error {
				_, err := NewServerContext(store.ServerMaterial(), Policy{MinVersion: TLSVersion11, ALPN: []string{"h2"}})
				return err
			},
		},
		{
			name: "unknown cipher suite",
			build: func() error {
				policy := DefaultPolicy()
				policy.CipherSuites = []string{"TLS_RSA_WITH_RC4_128_SHA"}
				_, err := NewClientContext(store.ClientMaterial(), policy, "localhost")
				return err
			},
		},
		{
			name: "missing server name",
			build: func() error {
				_, err := NewClientContext(store.ClientMaterial(), DefaultPolicy(), "")
				return err
			},
		},
		{
			name: "client certificate used as server certificate",
			build: func() error {
				_, err := NewServerContext(store.ClientMaterial(), DefaultPolicy())
				return err
			},
		},
		{
			name: "server certificate used as client certificate",
			build: func() error {
				_, err := NewClientContext(store.ServerMaterial(), DefaultPolicy(), "localhost")
				return err
			},
		},
		{
			name: "missing trust pool",
			build: func() error {
				material := store.ServerMaterial()
				material.Roots = nil
				_, err := NewServerContext(material, DefaultPolicy())
				return err
			},
		},
		{
			name: "missing private key",
			build: func() error {
				material := store.ServerMaterial()
				material.Certificate.PrivateKey = nil
				_, err := NewServerContext(material, DefaultPolicy())
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			require.Error(t, err)

			var cfgErr *TLSConfigError
			assert.ErrorAs(t, err, &cfgErr)
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestNewServerContext_WeakRSAKey(t *testing.T) {
	f := newFixture(t)

	pair, err := f.PKI.Issue(helpers.LeafOptions{
		CommonName:  "weak",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		RSABits:     1024,
	})
	require.NoError(t, err)

	cert, err := pair.TLSCertificate()
	require.NoError(t, err)

	_, err = NewServerContext(CertificateMaterial{Certificate: cert, Roots: f.PKI.Pool()}, DefaultPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2048")
}

func TestClientContext_ClientWithProtocols(t *testing.T) {
	store := loadStore(t, newFixture(t))

	policy := DefaultPolicy()
	policy.ALPN = []string{"h2", "http/1.1"}
	ctx, err := NewClientContext(store.ClientMaterial(), policy, "localhost")
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn, err := ctx.ClientWithProtocols(client, []string{"http/1.1"})
	require.NoError(t, err)
	assert.NotNil(t, conn)

	_, err = ctx.ClientWithProtocols(client, []string{"spdy/3"})
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

// connPair returns both ends of a loopback TCP connection.
func connPair(t *testing.T) (server, client net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := l.Accept()
		accepted <- conn
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

// handshakePair runs both sides of a handshake concurrently.
func handshakePair(t *testing.T, server *tls.Conn, client *tls.Conn) (serverErr, clientErr error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		err := server.HandshakeContext(ctx)
		if err != nil {
			_ = server.Close()
		}
		errCh <- err
	}()

	clientErr = client.HandshakeContext(ctx)
	if clientErr != nil {
		_ = client.Close()
	}
	serverErr = <-errCh
	return serverErr, clientErr
}

func TestContexts_MutualHandshake(t *testing.T) {
	f := newFixture(t)
	store := loadStore(t, f)

	serverCtx, err := NewServerContext(store.ServerMaterial(), DefaultPolicy())
	require.NoError(t, err)
	clientCtx, err := NewClientContext(store.ClientMaterial(), DefaultPolicy(), "localhost")
	require.NoError(t, err)

	c1, c2 := connPair(t)
	server := serverCtx.Server(c1)
	client := clientCtx.Client(c2)
	defer server.Close()
	defer client.Close()

	serverErr, clientErr := handshakePair(t, server, client)
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)

	state := server.ConnectionState()
	assert.Equal(t, "h2", state.NegotiatedProtocol)
	require.Len(t, state.PeerCertificates, 1)
	assert.Equal(t, "proxy-client", state.PeerCertificates[0].Subject.CommonName)
	assert.NotEmpty(t, state.VerifiedChains)
}

func TestServerContext_RejectsUntrustedClient(t *testing.T) {
	f := newFixture(t)
	store := loadStore(t, f)

	serverCtx, err := NewServerContext(store.ServerMaterial(), DefaultPolicy())
	require.NoError(t, err)

	rogue, err := helpers.NewPKI("Rogue CA")
	require.NoError(t, err)
	rogueClient, err := rogue.IssueClient("intruder")
	require.NoError(t, err)
	clientCfg, err := rogue.ClientMTLSConfig(rogueClient, "h2")
	require.NoError(t, err)
	clientCfg.RootCAs = f.PKI.Pool()
	clientCfg.ServerName = "localhost"

	c1, c2 := connPair(t)
	server := serverCtx.Server(c1)
	client := tls.Client(c2, clientCfg)
	defer server.Close()
	defer client.Close()

	serverErr, _ := handshakePair(t, server, client)
	require.Error(t, serverErr)
	assert.True(t, IsCertificateVerificationError(serverErr))
}

func TestServerContext_RejectsMissingClientCertificate(t *testing.T) {
	f := newFixture(t)
	store := loadStore(t, f)

	serverCtx, err := NewServerContext(store.ServerMaterial(), DefaultPolicy())
	require.NoError(t, err)

	c1, c2 := connPair(t)
	server := serverCtx.Server(c1)
	client := tls.Client(c2, &tls.Config{
		RootCAs:    f.PKI.Pool(),
		ServerName: "localhost",
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
	})
	defer server.Close()
	defer client.Close()

	serverErr, _ := handshakePair(t, server, client)
	require.Error(t, serverErr)
	assert.Equal(t, "no_client_certificate", HandshakeFailureReason(serverErr))
}

func TestClientContext_RejectsUpstreamHostnameMismatch(t *testing.T) {
	f := newFixture(t)
	store := loadStore(t, f)

	serverCtx, err := NewServerContext(store.ServerMaterial(), DefaultPolicy())
	require.NoError(t, err)
	clientCtx, err := NewClientContext(store.ClientMaterial(), DefaultPolicy(), "not-the-upstream.example")
	require.NoError(t, err)

	c1, c2 := connPair(t)
	server := serverCtx.Server(c1)
	client := clientCtx.Client(c2)
	defer server.Close()
	defer client.Close()

	_, clientErr := handshakePair(t, server, client)
	require.Error(t, clientErr)
	assert.True(t, IsCertificateVerificationError(clientErr))
}
