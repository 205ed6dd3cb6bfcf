package tls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"net"
	"slices"
)

// minRSAKeyBits is the smallest RSA key accepted for either side.
const minRSAKeyBits = 2048

// ServerContext is the immutable inbound negotiation context.
// Client certificates are always required and verified.
type ServerContext struct {
	config *tls.Config
	policy Policy
	leaf   *x509.Certificate
}

// ClientContext is the immutable outbound negotiation context.
// The upstream certificate is always verified and the proxy's client certificate presented.
type ClientContext struct {
	config *tls.Config
	policy Policy
	leaf   *x509.Certificate
}

// NewServerContext builds the inbound context from server material and a policy.
func NewServerContext(material CertificateMaterial, policy Policy) (*ServerContext, error) {
	base, err := buildBaseConfig(material, policy, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, err
	}

	base.Certificates = []tls.Certificate{material.Certificate}
	base.ClientAuth = tls.RequireAndVerifyClientCert
	base.ClientCAs = material.Roots

	return &ServerContext{
		config: base,
		policy: policy.Clone(),
		leaf:   material.Leaf(),
	}, nil
}

// NewClientContext builds the outbound context. serverName is the identity
// the upstream certificate must carry.
func NewClientContext(material CertificateMaterial, policy Policy, serverName string) (*ClientContext, error) {
	if serverName == "" {
		return nil, NewTLSConfigError("serverName", "upstream server name is required for verification")
	}

	base, err := buildBaseConfig(material, policy, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, err
	}

	base.Certificates = []tls.Certificate{material.Certificate}
	base.RootCAs = material.Roots
	base.ServerName = serverName

	return &ClientContext{
		config: base,
		policy: policy.Clone(),
		leaf:   material.Leaf(),
	}, nil
}

// Server wraps conn in a server-side TLS connection. The handshake is not started.
func (c *ServerContext) Server(conn net.Conn) *tls.Conn {
	return tls.Server(conn, c.config)
}

// Config returns a copy of the underlying crypto/tls configuration.
func (c *ServerContext) Config() *tls.Config {
	return c.config.Clone()
}

// Policy returns the negotiation policy.
func (c *ServerContext) Policy() Policy {
	return c.policy.Clone()
}

// Certificate returns the leaf certificate presented to clients.
func (c *ServerContext) Certificate() *x509.Certificate {
	return c.leaf
}

// Client wraps conn in a client-side TLS connection. The handshake is not started.
func (c *ClientContext) Client(conn net.Conn) *tls.Conn {
	return tls.Client(conn, c.config)
}

// ClientWithProtocols wraps conn offering only the given ALPN protocols.
// The protocols must be a subset of the policy's ALPN list.
func (c *ClientContext) ClientWithProtocols(conn net.Conn, protocols []string) (*tls.Conn, error) {
	for _, proto := range protocols {
		if !slices.Contains(c.policy.ALPN, proto) {
			return nil, NewTLSConfigError("alpn", "protocol "+proto+" is not offered by policy")
		}
	}
	cfg := c.config.Clone()
	cfg.NextProtos = slices.Clone(protocols)
	return tls.Client(conn, cfg), nil
}

// Config returns a copy of the underlying crypto/tls configuration.
func (c *ClientContext) Config() *tls.Config {
	return c.config.Clone()
}

// Policy returns the negotiation policy.
func (c *ClientContext) Policy() Policy {
	return c.policy.Clone()
}

// ServerName returns the name the upstream certificate is verified against.
func (c *ClientContext) ServerName() string {
	return c.config.ServerName
}

// Certificate returns the leaf certificate presented to the upstream.
func (c *ClientContext) Certificate() *x509.Certificate {
	return c.leaf
}

// buildBaseConfig validates policy and material and returns the shared settings.
func buildBaseConfig(material CertificateMaterial, policy Policy, usage x509.ExtKeyUsage) (*tls.Config, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := validateMaterial(material, usage); err != nil {
		return nil, err
	}

	cipherSuites, err := ParseCipherSuites(policy.CipherSuites)
	if err != nil {
		return nil, NewTLSConfigErrorWithCause("cipherSuites", "unknown cipher suite", err)
	}

	curves, err := ParseCurvePreferences(policy.CurvePreferences)
	if err != nil {
		return nil, NewTLSConfigErrorWithCause("curvePreferences", "unknown curve", err)
	}

	return &tls.Config{
		MinVersion:             policy.effectiveMinVersion().ToTLSVersion(), // #nosec G402 -- validated, never below TLS 1.2
		MaxVersion:             tls.VersionTLS13,
		CipherSuites:           cipherSuites,
		CurvePreferences:       curves,
		NextProtos:             slices.Clone(policy.ALPN),
		SessionTicketsDisabled: true,
	}, nil
}

// validateMaterial checks that the key pair is usable for the given side.
func validateMaterial(material CertificateMaterial, usage x509.ExtKeyUsage) error {
	if material.Roots == nil {
		return NewTLSConfigError("ca", "trust pool is required for peer verification")
	}
	if len(material.Certificate.Certificate) == 0 || material.Certificate.PrivateKey == nil {
		return NewTLSConfigError("certificate", "certificate and private key are required")
	}

	leaf := material.Leaf()
	if leaf == nil {
		parsed, err := x509.ParseCertificate(material.Certificate.Certificate[0])
		if err != nil {
			return NewTLSConfigErrorWithCause("certificate", "leaf certificate cannot be parsed", err)
		}
		leaf = parsed
	}

	switch key := material.Certificate.PrivateKey.(type) {
	case *rsa.PrivateKey:
		if key.N.BitLen() < minRSAKeyBits {
			return NewTLSConfigError("certificate", "RSA key is shorter than 2048 bits")
		}
	case *ecdsa.PrivateKey, ed25519.PrivateKey:
	default:
		return NewTLSConfigError("certificate", "unsupported private key type")
	}

	if len(leaf.ExtKeyUsage) > 0 &&
		!slices.Contains(leaf.ExtKeyUsage, usage) &&
		!slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageAny) {
		return NewTLSConfigError("certificate", "certificate "+leaf.Subject.String()+" is not valid for "+usageName(usage))
	}

	return nil
}

func usageName(usage x509.ExtKeyUsage) string {
	if usage == x509.ExtKeyUsageClientAuth {
		return "client authentication"
	}
	return "server authentication"
}
