package tls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSVersion(t *testing.T) {
	tests := []struct {
		version TLSVersion
		valid   bool
		legacy  bool
		wire    uint16
	}{
		{TLSVersion10, true, true, tls.VersionTLS10},
		{TLSVersion11, true, true, tls.VersionTLS11},
		{TLSVersion12, true, false, tls.VersionTLS12},
		{TLSVersion13, true, false, tls.VersionTLS13},
		{TLSVersion("SSL3"), false, false, tls.VersionTLS12},
	}

	for _, tt := range tests {
		t.Run(tt.version.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.version.IsValid())
			assert.Equal(t, tt.legacy, tt.version.IsLegacy())
			assert.Equal(t, tt.wire, tt.version.ToTLSVersion())
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr error
	}{
		{name: "default", policy: DefaultPolicy()},
		{name: "empty min version defaults to TLS12", policy: Policy{ALPN: []string{"h2"}}},
		{
			name:   "TLS13 only",
			policy: Policy{MinVersion: TLSVersion13, ALPN: []string{"h2"}},
		},
		{
			name: "explicit suites and curves",
			policy: Policy{
				MinVersion:       TLSVersion12,
				ALPN:             []string{"h2", "http/1.1"},
				CipherSuites:     []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"},
				CurvePreferences: []string{"X25519", "P256"},
			},
		},
		{
			name:    "legacy version",
			policy:  Policy{MinVersion: TLSVersion10, ALPN: []string{"h2"}},
			wantErr: ErrTLSVersionInvalid,
		},
		{
			name:    "unknown version",
			policy:  Policy{MinVersion: "TLS14", ALPN: []string{"h2"}},
			wantErr: ErrTLSVersionInvalid,
		},
		{
			name:    "no ALPN",
			policy:  Policy{MinVersion: TLSVersion12},
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "blank ALPN entry",
			policy:  Policy{MinVersion: TLSVersion12, ALPN: []string{"h2", " "}},
			wantErr: ErrConfigInvalid,
		},
		{
			name: "insecure cipher suite",
			policy: Policy{
				MinVersion:   TLSVersion12,
				ALPN:         []string{"h2"},
				CipherSuites: []string{"TLS_RSA_WITH_AES_128_CBC_SHA"},
			},
			wantErr: ErrCipherSuiteInvalid,
		},
		{
			name: "only TLS13 suites with TLS12 allowed",
			policy: Policy{
				MinVersion:   TLSVersion12,
				ALPN:         []string{"h2"},
				CipherSuites: []string{"TLS_AES_128_GCM_SHA256"},
			},
			wantErr: ErrConfigInvalid,
		},
		{
			name: "unknown curve",
			policy: Policy{
				MinVersion:       TLSVersion12,
				ALPN:             []string{"h2"},
				CurvePreferences: []string{"P192"},
			},
			wantErr: ErrCurveInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestPolicy_OffersHTTP2(t *testing.T) {
	assert.True(t, DefaultPolicy().OffersHTTP2())
	assert.False(t, Policy{ALPN: []string{"http/1.1"}}.OffersHTTP2())
}

func TestPolicy_Clone(t *testing.T) {
	original := Policy{
		MinVersion:   TLSVersion13,
		ALPN:         []string{"h2"},
		CipherSuites: []string{"TLS_AES_128_GCM_SHA256"},
	}

	clone := original.Clone()
	clone.ALPN[0] = "http/1.1"
	clone.CipherSuites = append(clone.CipherSuites, "x")

	assert.Equal(t, []string{"h2"}, original.ALPN)
	assert.Len(t, original.CipherSuites, 1)
	assert.Equal(t, TLSVersion13, clone.MinVersion)
}

func TestParseCipherSuites(t *testing.T) {
	suites, err := ParseCipherSuites(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultCipherSuites(), suites)

	suites, err = ParseCipherSuites([]string{
		"TLS_AES_256_GCM_SHA384",
		" TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384 ",
	})
	require.NoError(t, err)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384}, suites)

	suites, err = ParseCipherSuites([]string{"TLS_CHACHA20_POLY1305_SHA256"})
	require.NoError(t, err)
	assert.Equal(t, defaultCipherSuites(), suites)

	_, err = ParseCipherSuites([]string{"TLS_RSA_WITH_RC4_128_SHA"})
	assert.ErrorIs(t, err, ErrCipherSuiteInvalid)
}

func TestParseCurvePreferences(t *testing.T) {
	curves, err := ParseCurvePreferences(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultCurvePreferences(), curves)

	curves, err = ParseCurvePreferences([]string{"CurveP384", "X25519"})
	require.NoError(t, err)
	assert.Equal(t, []tls.CurveID{tls.CurveP384, tls.X25519}, curves)

	_, err = ParseCurvePreferences([]string{"brainpool"})
	assert.ErrorIs(t, err, ErrCurveInvalid)
}

func TestCipherSuiteName(t *testing.T) {
	assert.Equal(t, "TLS_AES_128_GCM_SHA256", CipherSuiteName(tls.TLS_AES_128_GCM_SHA256))
	assert.Equal(t, "0x0005", CipherSuiteName(0x0005))

	info, ok := GetCipherSuiteInfo("TLS_AES_128_GCM_SHA256")
	require.True(t, ok)
	assert.True(t, info.TLS13)
}

func TestTLSVersionName(t *testing.T) {
	assert.Equal(t, "TLS 1.2", TLSVersionName(tls.VersionTLS12))
	assert.Equal(t, "TLS 1.3", TLSVersionName(tls.VersionTLS13))
	assert.Equal(t, "0x0300", TLSVersionName(0x0300))
}
