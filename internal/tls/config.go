package tls

import (
	"crypto/tls"
	"slices"
	"strings"
)

// ProtocolHTTP2 is the ALPN identifier for HTTP/2 over TLS.
const ProtocolHTTP2 = "h2"

// TLSVersion represents TLS protocol version.
type TLSVersion string

// TLS version constants.
const (
	// TLSVersion10 represents TLS 1.0 (legacy, always rejected).
	TLSVersion10 TLSVersion = "TLS10"

	// TLSVersion11 represents TLS 1.1 (legacy, always rejected).
	TLSVersion11 TLSVersion = "TLS11"

	// TLSVersion12 represents TLS 1.2 (minimum default).
	TLSVersion12 TLSVersion = "TLS12"

	// TLSVersion13 represents TLS 1.3 (preferred).
	TLSVersion13 TLSVersion = "TLS13"
)

// String returns the string representation of the TLS version.
func (v TLSVersion) String() string {
	return string(v)
}

// IsValid returns true if the TLS version is known.
func (v TLSVersion) IsValid() bool {
	switch v {
	case TLSVersion10, TLSVersion11, TLSVersion12, TLSVersion13:
		return true
	default:
		return false
	}
}

// ToTLSVersion converts to crypto/tls version constant.
func (v TLSVersion) ToTLSVersion() uint16 {
	switch v {
	case TLSVersion10:
		return tls.VersionTLS10
	case TLSVersion11:
		return tls.VersionTLS11
	case TLSVersion13:
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// IsLegacy returns true if this is a legacy TLS version (1.0 or 1.1).
func (v TLSVersion) IsLegacy() bool {
	return v == TLSVersion10 || v == TLSVersion11
}

// Policy is the negotiation policy shared by the server and client contexts.
// Peer certificate verification is not part of the policy: it is always on.
type Policy struct {
	// MinVersion is the lowest protocol version accepted. Defaults to TLS 1.2.
	MinVersion TLSVersion

	// ALPN lists the application protocols offered, in preference order.
	ALPN []string

	// CipherSuites lists TLS 1.2 cipher suite names. Empty selects secure defaults.
	CipherSuites []string

	// CurvePreferences lists ECDH curve names. Empty selects defaults.
	CurvePreferences []string
}

// DefaultPolicy returns the default negotiation policy.
func DefaultPolicy() Policy {
	return Policy{
		MinVersion: TLSVersion12,
		ALPN:       []string{ProtocolHTTP2},
	}
}

// Validate checks the policy for internal consistency.
func (p Policy) Validate() error {
	version := p.effectiveMinVersion()
	if !version.IsValid() {
		return NewTLSConfigErrorWithCause("minVersion", string(p.MinVersion), ErrTLSVersionInvalid)
	}
	if version.IsLegacy() {
		return NewTLSConfigErrorWithCause("minVersion",
			"legacy TLS versions are not allowed, minimum is TLS12", ErrTLSVersionInvalid)
	}

	if len(p.ALPN) == 0 {
		return NewTLSConfigError("alpn", "at least one ALPN protocol must be offered")
	}
	for _, proto := range p.ALPN {
		if strings.TrimSpace(proto) == "" {
			return NewTLSConfigError("alpn", "ALPN protocol must not be empty")
		}
	}

	if err := ValidateCipherSuites(p.CipherSuites); err != nil {
		return NewTLSConfigErrorWithCause("cipherSuites", "unknown cipher suite", err)
	}
	if version == TLSVersion12 {
		if err := requireTLS12Suite(p.CipherSuites); err != nil {
			return err
		}
	}

	if err := ValidateCurvePreferences(p.CurvePreferences); err != nil {
		return NewTLSConfigErrorWithCause("curvePreferences", "unknown curve", err)
	}

	return nil
}

// OffersHTTP2 reports whether h2 is among the offered protocols.
func (p Policy) OffersHTTP2() bool {
	return slices.Contains(p.ALPN, ProtocolHTTP2)
}

func (p Policy) effectiveMinVersion() TLSVersion {
	if p.MinVersion == "" {
		return TLSVersion12
	}
	return p.MinVersion
}

// requireTLS12Suite rejects a suite list that names only TLS 1.3 suites while
// TLS 1.2 is still allowed, since Go would silently fall back to defaults.
func requireTLS12Suite(names []string) error {
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if suite, ok := GetCipherSuiteInfo(strings.TrimSpace(name)); ok && !suite.TLS13 {
			return nil
		}
	}
	return NewTLSConfigError("cipherSuites",
		"only TLS 1.3 suites listed but minVersion allows TLS 1.2")
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	return Policy{
		MinVersion:       p.MinVersion,
		ALPN:             slices.Clone(p.ALPN),
		CipherSuites:     slices.Clone(p.CipherSuites),
		CurvePreferences: slices.Clone(p.CurvePreferences),
	}
}
