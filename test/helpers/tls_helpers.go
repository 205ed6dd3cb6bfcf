package helpers

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// PKI is an in-memory certificate authority for tests.
type PKI struct {
	CACert    *x509.Certificate
	CAKey     *ecdsa.PrivateKey
	CACertPEM []byte
}

// KeyPair is a leaf certificate issued by a PKI.
type KeyPair struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// LeafOptions controls how Issue builds a leaf certificate.
type LeafOptions struct {
	CommonName  string
	DNSNames    []string
	IPAddresses []net.IP
	ExtKeyUsage []x509.ExtKeyUsage
	NotBefore   time.Time
	NotAfter    time.Time

	// RSABits selects an RSA key of the given size instead of ECDSA P-256.
	RSABits int
}

// NewPKI generates a self-signed ECDSA CA.
func NewPKI(commonName string) (*PKI, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Sidecar Test"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &PKI{
		CACert:    cert,
		CAKey:     key,
		CACertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// Pool returns a certificate pool containing only this CA.
func (p *PKI) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.CACert)
	return pool
}

// IssueServer issues a server certificate valid for localhost and 127.0.0.1.
func (p *PKI) IssueServer(commonName string) (*KeyPair, error) {
	return p.Issue(LeafOptions{
		CommonName:  commonName,
		DNSNames:    []string{"localhost", commonName},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
}

// IssueClient issues a client authentication certificate.
func (p *PKI) IssueClient(commonName string) (*KeyPair, error) {
	return p.Issue(LeafOptions{
		CommonName:  commonName,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
}

// Issue issues a leaf certificate signed by the CA.
func (p *PKI) Issue(opts LeafOptions) (*KeyPair, error) {
	var (
		signer crypto.Signer
		keyDER []byte
		keyTyp string
		err    error
	)

	if opts.RSABits > 0 {
		rsaKey, genErr := rsa.GenerateKey(rand.Reader, opts.RSABits)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", genErr)
		}
		signer = rsaKey
		keyDER = x509.MarshalPKCS1PrivateKey(rsaKey)
		keyTyp = "RSA PRIVATE KEY"
	} else {
		ecKey, genErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate ECDSA key: %w", genErr)
		}
		signer = ecKey
		keyDER, err = x509.MarshalPKCS8PrivateKey(ecKey)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal key: %w", err)
		}
		keyTyp = "PRIVATE KEY"
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(90 * 24 * time.Hour)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Sidecar Test"},
			CommonName:   opts.CommonName,
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: opts.ExtKeyUsage,
		DNSNames:    opts.DNSNames,
		IPAddresses: opts.IPAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, p.CACert, signer.Public(), p.CAKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &KeyPair{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: keyTyp, Bytes: keyDER}),
	}, nil
}

// TLSCertificate returns the pair as a crypto/tls certificate.
func (kp *KeyPair) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(kp.CertPEM, kp.KeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
	}
	cert.Leaf = kp.Cert
	return cert, nil
}

// WriteFiles writes the pair as <name>.crt and <name>.key under dir and
// returns both paths.
func (kp *KeyPair) WriteFiles(dir, name string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")

	if err := os.WriteFile(certPath, kp.CertPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, kp.KeyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write key: %w", err)
	}
	return certPath, keyPath, nil
}

// WriteCA writes the CA certificate as <name>.crt under dir.
func (p *PKI) WriteCA(dir, name string) (string, error) {
	path := filepath.Join(dir, name+".crt")
	if err := os.WriteFile(path, p.CACertPEM, 0o600); err != nil {
		return "", fmt.Errorf("failed to write CA certificate: %w", err)
	}
	return path, nil
}

// ServerMTLSConfig returns a server config that requires client certificates from this CA.
func (p *PKI) ServerMTLSConfig(pair *KeyPair, nextProtos ...string) (*tls.Config, error) {
	cert, err := pair.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    p.Pool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientMTLSConfig returns a client config presenting pair and trusting this CA.
func (p *PKI) ClientMTLSConfig(pair *KeyPair, nextProtos ...string) (*tls.Config, error) {
	cert, err := pair.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      p.Pool(),
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
