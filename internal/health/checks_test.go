package health

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerCheck(t *testing.T) {
	t.Parallel()

	serving := false
	check := ListenerCheck(func() bool { return serving })
	assert.Equal(t, StatusUnhealthy, check().Status)

	serving = true
	assert.Equal(t, StatusHealthy, check().Status)
}

func TestCircuitBreakerCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    string
		expected Status
	}{
		{"closed", StatusHealthy},
		{"", StatusHealthy},
		{"half-open", StatusDegraded},
		{"open", StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			t.Parallel()
			check := CircuitBreakerCheck(func() string { return tt.state })()
			assert.Equal(t, tt.expected, check.Status)
		})
	}
}

func certExpiring(cn string, notAfter time.Time) *x509.Certificate {
	return &x509.Certificate{
		Subject:  pkix.Name{CommonName: cn},
		NotAfter: notAfter,
	}
}

func TestCertificateExpiryCheck(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	threshold := 7 * 24 * time.Hour

	tests := []struct {
		name     string
		certs    map[string]*x509.Certificate
		expected Status
		contains string
	}{
		{
			name: "all valid",
			certs: map[string]*x509.Certificate{
				"server": certExpiring("proxy", now.Add(90*24*time.Hour)),
				"client": certExpiring("proxy-client", now.Add(90*24*time.Hour)),
			},
			expected: StatusHealthy,
			contains: "2 certificates valid",
		},
		{
			name: "expiring soon",
			certs: map[string]*x509.Certificate{
				"server": certExpiring("proxy", now.Add(48*time.Hour)),
				"client": certExpiring("proxy-client", now.Add(90*24*time.Hour)),
			},
			expected: StatusDegraded,
			contains: "server certificate",
		},
		{
			name: "expired",
			certs: map[string]*x509.Certificate{
				"ca":     certExpiring("root", now.Add(-time.Hour)),
				"server": certExpiring("proxy", now.Add(48*time.Hour)),
			},
			expected: StatusUnhealthy,
			contains: "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			check := CertificateExpiryCheck(func() map[string]*x509.Certificate { return tt.certs }, threshold, clock)()
			assert.Equal(t, tt.expected, check.Status)
			assert.Contains(t, check.Message, tt.contains)
		})
	}
}

func TestUpstreamReachableCheck(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	addr := l.Addr().String()
	assert.Equal(t, StatusHealthy, UpstreamReachableCheck(addr, time.Second)().Status)

	require.NoError(t, l.Close())
	assert.Equal(t, StatusDegraded, UpstreamReachableCheck(addr, time.Second)().Status)
}
