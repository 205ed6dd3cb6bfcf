package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// PeerIdentity represents the identity presented by a verified peer.
type PeerIdentity struct {
	// Subject is the full subject distinguished name.
	Subject string

	// CommonName is the certificate's Common Name.
	CommonName string

	// DNSNames are the DNS names from the certificate's SAN.
	DNSNames []string

	// IPAddresses are the IP addresses from the certificate's SAN.
	IPAddresses []net.IP

	// URIs are the URIs from the certificate's SAN.
	URIs []string

	// Issuer is the issuer distinguished name.
	Issuer string

	// SerialNumber is the certificate's serial number as a string.
	SerialNumber string

	// Fingerprint is the SHA-256 fingerprint of the leaf.
	Fingerprint string

	// NotAfter is when the certificate expires.
	NotAfter time.Time

	// ChainLength is the length of the verified chain, leaf included.
	ChainLength int
}

// PeerIdentityFromState extracts the verified peer identity from a completed handshake.
// It returns nil when the peer presented no certificate.
func PeerIdentityFromState(state tls.ConnectionState) *PeerIdentity {
	if len(state.PeerCertificates) == 0 {
		return nil
	}

	identity := ExtractPeerIdentity(state.PeerCertificates[0])
	if len(state.VerifiedChains) > 0 {
		identity.ChainLength = len(state.VerifiedChains[0])
	}
	return identity
}

// ExtractPeerIdentity extracts identity information from a certificate.
func ExtractPeerIdentity(cert *x509.Certificate) *PeerIdentity {
	if cert == nil {
		return nil
	}

	identity := &PeerIdentity{
		Subject:      cert.Subject.String(),
		CommonName:   cert.Subject.CommonName,
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		Fingerprint:  GetCertificateFingerprint(cert),
		NotAfter:     cert.NotAfter,
		ChainLength:  1,
	}

	if len(cert.DNSNames) > 0 {
		identity.DNSNames = make([]string, len(cert.DNSNames))
		copy(identity.DNSNames, cert.DNSNames)
	}

	if len(cert.IPAddresses) > 0 {
		identity.IPAddresses = make([]net.IP, len(cert.IPAddresses))
		copy(identity.IPAddresses, cert.IPAddresses)
	}

	if len(cert.URIs) > 0 {
		identity.URIs = make([]string, len(cert.URIs))
		for i, uri := range cert.URIs {
			identity.URIs[i] = uri.String()
		}
	}

	return identity
}

// GetCertificateFingerprint returns the SHA-256 fingerprint of a certificate.
func GetCertificateFingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}

	hash := sha256.Sum256(cert.Raw)
	parts := make([]string, len(hash))
	for i, b := range hash {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// IsCertificateVerificationError reports whether err was caused by a peer
// certificate that failed chain, hostname or validity verification.
func IsCertificateVerificationError(err error) bool {
	if err == nil {
		return false
	}

	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}

	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}

	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}

	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &invalidErr)
}

// HandshakeFailureReason maps a handshake error to a short metric label.
func HandshakeFailureReason(err error) string {
	if err == nil {
		return "none"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var alert tls.AlertError
	if errors.As(err, &alert) {
		return alertReason(alert)
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return "not_tls"
	}

	if IsCertificateVerificationError(err) {
		return "bad_certificate"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "client didn't provide a certificate"):
		return "no_client_certificate"
	case strings.Contains(msg, "no application protocol"):
		return "alpn_mismatch"
	case strings.Contains(msg, "protocol version"):
		return "protocol_version"
	case strings.Contains(msg, "EOF"), strings.Contains(msg, "connection reset"):
		return "connection_closed"
	default:
		return "other"
	}
}

// alertReason names the TLS alerts that matter for mutual authentication.
func alertReason(alert tls.AlertError) string {
	switch uint8(alert) {
	case 42, 43, 44, 45, 46:
		return "bad_certificate"
	case 48:
		return "unknown_ca"
	case 70:
		return "protocol_version"
	case 116:
		return "no_client_certificate"
	case 120:
		return "alpn_mismatch"
	default:
		return "alert"
	}
}
