package tls

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCertificateLoadError(t *testing.T) {
	cause := errors.New("permission denied")
	err := NewCertificateLoadError("/etc/sidecar/ca.crt", LoadErrorNotFound, cause)

	assert.Equal(t, "certificate load error at /etc/sidecar/ca.crt (not_found): permission denied", err.Error())
	assert.ErrorIs(t, err, ErrCertificateNotFound)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &CertificateLoadError{})
	assert.NotErrorIs(t, err, ErrCertificateExpired)
	assert.Equal(t, cause, errors.Unwrap(err))

	bare := NewCertificateLoadError("server.crt", LoadErrorExpired, nil)
	assert.Equal(t, "certificate load error at server.crt (expired)", bare.Error())
	assert.ErrorIs(t, bare, ErrCertificateExpired)

	wrapped := fmt.Errorf("startup: %w", bare)
	var loadErr *CertificateLoadError
	assert.ErrorAs(t, wrapped, &loadErr)
	assert.Equal(t, LoadErrorExpired, loadErr.Kind)
}

func TestCertificateLoadError_Kinds(t *testing.T) {
	kinds := map[LoadErrorKind]error{
		LoadErrorNotFound:    ErrCertificateNotFound,
		LoadErrorMalformed:   ErrCertificateMalformed,
		LoadErrorKeyMismatch: ErrCertificateKeyMismatch,
		LoadErrorExpired:     ErrCertificateExpired,
		LoadErrorNotYetValid: ErrCertificateNotYetValid,
	}

	for kind, sentinel := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			assert.ErrorIs(t, NewCertificateLoadError("x", kind, nil), sentinel)
		})
	}
}

func TestTLSConfigError(t *testing.T) {
	tests := []struct {
		name string
		err  *TLSConfigError
		want string
	}{
		{
			name: "field",
			err:  NewTLSConfigError("alpn", "at least one ALPN protocol must be offered"),
			want: "TLS config error at alpn: at least one ALPN protocol must be offered",
		},
		{
			name: "field with cause",
			err:  NewTLSConfigErrorWithCause("minVersion", "TLS14", ErrTLSVersionInvalid),
			want: "TLS config error at minVersion: TLS14: invalid TLS version",
		},
		{
			name: "no field",
			err:  &TLSConfigError{Message: "bad"},
			want: "TLS config error: bad",
		},
		{
			name: "no field with cause",
			err:  &TLSConfigError{Message: "bad", Cause: errors.New("x")},
			want: "TLS config error: bad: x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, ErrConfigInvalid)
			assert.ErrorIs(t, tt.err, &TLSConfigError{})
		})
	}

	withCause := NewTLSConfigErrorWithCause("minVersion", "TLS14", ErrTLSVersionInvalid)
	assert.ErrorIs(t, withCause, ErrTLSVersionInvalid)
	assert.NotErrorIs(t, withCause, ErrCurveInvalid)
}
