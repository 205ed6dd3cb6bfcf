package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// CipherSuite represents a TLS cipher suite with metadata.
type CipherSuite struct {
	// ID is the cipher suite ID.
	ID uint16

	// Name is the cipher suite name.
	Name string

	// TLS13 indicates if this is a TLS 1.3 cipher suite.
	TLS13 bool
}

// cipherSuiteRegistry maps the accepted cipher suite names to their IDs.
// Only AEAD suites with forward secrecy are listed; anything else is rejected.
var cipherSuiteRegistry = map[string]CipherSuite{
	// TLS 1.3 suites are fixed by crypto/tls and only accepted for completeness.
	"TLS_AES_128_GCM_SHA256":       {ID: tls.TLS_AES_128_GCM_SHA256, Name: "TLS_AES_128_GCM_SHA256", TLS13: true},
	"TLS_AES_256_GCM_SHA384":       {ID: tls.TLS_AES_256_GCM_SHA384, Name: "TLS_AES_256_GCM_SHA384", TLS13: true},
	"TLS_CHACHA20_POLY1305_SHA256": {ID: tls.TLS_CHACHA20_POLY1305_SHA256, Name: "TLS_CHACHA20_POLY1305_SHA256", TLS13: true},

	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": {
		ID:   tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	},
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": {
		ID:   tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	},
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256": {
		ID:   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	},
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384": {
		ID:   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	},
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": {
		ID:   tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	},
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256": {
		ID:   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	},
}

// curveRegistry maps curve names to their tls.CurveID values.
var curveRegistry = map[string]tls.CurveID{
	"X25519":    tls.X25519,
	"P256":      tls.CurveP256,
	"P384":      tls.CurveP384,
	"P521":      tls.CurveP521,
	"CurveP256": tls.CurveP256,
	"CurveP384": tls.CurveP384,
	"CurveP521": tls.CurveP521,
}

// defaultCipherSuites are used when the policy names no TLS 1.2 suites.
// TLS 1.3 cipher suites are managed by Go and cannot be configured.
func defaultCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// defaultCurvePreferences are used when the policy names no curves.
func defaultCurvePreferences() []tls.CurveID {
	return []tls.CurveID{
		tls.X25519,
		tls.CurveP256,
		tls.CurveP384,
	}
}

// ParseCipherSuites parses cipher suite names and returns their IDs.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return defaultCipherSuites(), nil
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		suite, ok := cipherSuiteRegistry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCipherSuiteInvalid, name)
		}

		// Skip TLS 1.3 suites as they cannot be configured
		if suite.TLS13 {
			continue
		}

		suites = append(suites, suite.ID)
	}

	if len(suites) == 0 {
		return defaultCipherSuites(), nil
	}

	return suites, nil
}

// ParseCurvePreferences parses curve names and returns their IDs.
func ParseCurvePreferences(names []string) ([]tls.CurveID, error) {
	if len(names) == 0 {
		return defaultCurvePreferences(), nil
	}

	curves := make([]tls.CurveID, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		curve, ok := curveRegistry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCurveInvalid, name)
		}

		curves = append(curves, curve)
	}

	if len(curves) == 0 {
		return defaultCurvePreferences(), nil
	}

	return curves, nil
}

// ValidateCipherSuites validates that all cipher suite names are accepted.
func ValidateCipherSuites(names []string) error {
	_, err := ParseCipherSuites(names)
	return err
}

// ValidateCurvePreferences validates that all curve names are valid.
func ValidateCurvePreferences(names []string) error {
	_, err := ParseCurvePreferences(names)
	return err
}

// GetCipherSuiteInfo returns information about a cipher suite by name.
func GetCipherSuiteInfo(name string) (CipherSuite, bool) {
	suite, ok := cipherSuiteRegistry[name]
	return suite, ok
}

// CipherSuiteName returns the name of a cipher suite by ID.
func CipherSuiteName(id uint16) string {
	for _, suite := range cipherSuiteRegistry {
		if suite.ID == id {
			return suite.Name
		}
	}
	return fmt.Sprintf("0x%04X", id)
}

// TLSVersionName returns the human-readable name of a TLS version.
func TLSVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("0x%04X", version)
	}
}
