package tls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
)

// CertificatePaths locates the PEM files the store loads.
type CertificatePaths struct {
	CAFile     string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

// CertificateMaterial is a presented certificate chain with its private key,
// plus the trust pool used to validate the peer on the same side.
type CertificateMaterial struct {
	Certificate tls.Certificate
	Roots       *x509.CertPool
}

// Leaf returns the parsed leaf certificate.
func (m CertificateMaterial) Leaf() *x509.Certificate {
	return m.Certificate.Leaf
}

// CertificateStore holds the certificate material loaded at startup.
// It is immutable after LoadCertificateStore returns.
type CertificateStore struct {
	caCerts []*x509.Certificate
	pool    *x509.CertPool
	server  tls.Certificate
	client  tls.Certificate
}

// StoreOption is a functional option for LoadCertificateStore.
type StoreOption func(*storeOptions)

type storeOptions struct {
	logger observability.Logger
	now    func() time.Time
}

// WithStoreLogger sets the logger used to report loaded certificates.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithClock overrides the clock used for validity checks.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

// LoadCertificateStore reads the CA bundle and both key pairs from disk.
// Every certificate must be inside its validity window at load time.
func LoadCertificateStore(paths CertificatePaths, opts ...StoreOption) (*CertificateStore, error) {
	o := &storeOptions{
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	caCerts, err := loadCABundle(paths.CAFile, o.now())
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	for _, cert := range caCerts {
		pool.AddCert(cert)
	}

	server, err := loadKeyPair(paths.ServerCert, paths.ServerKey, o.now())
	if err != nil {
		return nil, err
	}

	client, err := loadKeyPair(paths.ClientCert, paths.ClientKey, o.now())
	if err != nil {
		return nil, err
	}

	store := &CertificateStore{
		caCerts: caCerts,
		pool:    pool,
		server:  server,
		client:  client,
	}

	for role, cert := range store.Certificates() {
		o.logger.Info("certificate loaded",
			observability.String("role", role),
			observability.String("subject", cert.Subject.String()),
			observability.String("issuer", cert.Issuer.String()),
			observability.Time("notAfter", cert.NotAfter),
			observability.String("fingerprint", GetCertificateFingerprint(cert)),
		)
	}

	return store, nil
}

// LoadServerMaterial reads a CA bundle and a single server key pair, for
// processes that only terminate mTLS.
func LoadServerMaterial(caFile, certFile, keyFile string, opts ...StoreOption) (CertificateMaterial, error) {
	o := &storeOptions{
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	caCerts, err := loadCABundle(caFile, o.now())
	if err != nil {
		return CertificateMaterial{}, err
	}
	pool := x509.NewCertPool()
	for _, cert := range caCerts {
		pool.AddCert(cert)
	}

	pair, err := loadKeyPair(certFile, keyFile, o.now())
	if err != nil {
		return CertificateMaterial{}, err
	}

	o.logger.Info("certificate loaded",
		observability.String("role", "server"),
		observability.String("subject", pair.Leaf.Subject.String()),
		observability.Time("notAfter", pair.Leaf.NotAfter),
	)

	return CertificateMaterial{Certificate: pair, Roots: pool}, nil
}

// ServerMaterial returns the material presented to inbound clients.
func (s *CertificateStore) ServerMaterial() CertificateMaterial {
	return CertificateMaterial{Certificate: s.server, Roots: s.pool}
}

// ClientMaterial returns the material presented to the upstream.
func (s *CertificateStore) ClientMaterial() CertificateMaterial {
	return CertificateMaterial{Certificate: s.client, Roots: s.pool}
}

// CACertificates returns the parsed CA bundle.
func (s *CertificateStore) CACertificates() []*x509.Certificate {
	out := make([]*x509.Certificate, len(s.caCerts))
	copy(out, s.caCerts)
	return out
}

// Certificates returns the leaf and CA certificates keyed by role.
// CA roles are named "ca", "ca-1", "ca-2" and so on.
func (s *CertificateStore) Certificates() map[string]*x509.Certificate {
	certs := map[string]*x509.Certificate{
		"server": s.server.Leaf,
		"client": s.client.Leaf,
	}
	for i, ca := range s.caCerts {
		role := "ca"
		if i > 0 {
			role = fmt.Sprintf("ca-%d", i)
		}
		certs[role] = ca
	}
	return certs
}

// loadCABundle reads and validates every certificate in the CA file.
func loadCABundle(path string, now time.Time) ([]*x509.Certificate, error) {
	data, err := readPEMFile(path)
	if err != nil {
		return nil, err
	}

	certs, err := ParsePEMCertificates(data)
	if err != nil {
		return nil, NewCertificateLoadError(path, LoadErrorMalformed, err)
	}

	for _, cert := range certs {
		if err := checkValidity(path, cert, now); err != nil {
			return nil, err
		}
	}

	return certs, nil
}

// loadKeyPair reads a certificate chain and its private key.
func loadKeyPair(certPath, keyPath string, now time.Time) (tls.Certificate, error) {
	certPEM, err := readPEMFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := readPEMFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	chain, err := ParsePEMCertificates(certPEM)
	if err != nil {
		return tls.Certificate{}, NewCertificateLoadError(certPath, LoadErrorMalformed, err)
	}

	if _, err := ParsePEMPrivateKey(keyPEM); err != nil {
		return tls.Certificate{}, NewCertificateLoadError(keyPath, LoadErrorMalformed, err)
	}

	// Both halves parse on their own, so a pairing failure means a mismatch.
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, NewCertificateLoadError(keyPath, LoadErrorKeyMismatch, err)
	}
	pair.Leaf = chain[0]

	if err := checkValidity(certPath, pair.Leaf, now); err != nil {
		return tls.Certificate{}, err
	}

	return pair, nil
}

func readPEMFile(path string) ([]byte, error) {
	if path == "" {
		return nil, NewCertificateLoadError(path, LoadErrorNotFound, errors.New("path is empty"))
	}
	data, err := os.ReadFile(path) // #nosec G304 -- certificate paths come from trusted config
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewCertificateLoadError(path, LoadErrorNotFound, err)
		}
		return nil, NewCertificateLoadError(path, LoadErrorNotFound, fmt.Errorf("unreadable: %w", err))
	}
	return data, nil
}

func checkValidity(path string, cert *x509.Certificate, now time.Time) error {
	switch {
	case now.Before(cert.NotBefore):
		return NewCertificateLoadError(path, LoadErrorNotYetValid,
			fmt.Errorf("%s valid from %s", cert.Subject.String(), cert.NotBefore.UTC().Format(time.RFC3339)))
	case now.After(cert.NotAfter):
		return NewCertificateLoadError(path, LoadErrorExpired,
			fmt.Errorf("%s expired at %s", cert.Subject.String(), cert.NotAfter.UTC().Format(time.RFC3339)))
	default:
		return nil
	}
}

// ParsePEMCertificates parses PEM-encoded certificates.
func ParsePEMCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCertificateMalformed, err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates found in PEM data", ErrCertificateMalformed)
	}

	return certs, nil
}

// ParsePEMPrivateKey parses the first private key block in PKCS#8, PKCS#1 or SEC 1 form.
func ParsePEMPrivateKey(pemData []byte) (crypto.PrivateKey, error) {
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		switch block.Type {
		case "PRIVATE KEY":
			return parseKey(x509.ParsePKCS8PrivateKey(block.Bytes))
		case "RSA PRIVATE KEY":
			return parseKey(x509.ParsePKCS1PrivateKey(block.Bytes))
		case "EC PRIVATE KEY":
			return parseKey(x509.ParseECPrivateKey(block.Bytes))
		}
	}
	return nil, fmt.Errorf("%w: no private key found in PEM data", ErrCertificateMalformed)
}

func parseKey[K any](key K, err error) (crypto.PrivateKey, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateMalformed, err)
	}
	return key, nil
}
