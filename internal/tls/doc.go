// Package tls builds the mutual TLS material used by the sidecar.
//
// Certificates are loaded once at startup by LoadCertificateStore, which
// classifies every failure as a CertificateLoadError (not_found, malformed,
// key_mismatch, expired, not_yet_valid). The loaded material is turned into
// two immutable negotiation contexts:
//
//   - ServerContext terminates inbound mTLS. Client certificates are always
//     required and verified against the CA bundle.
//   - ClientContext originates outbound mTLS. The upstream certificate is
//     verified against the CA bundle and the configured server name, and the
//     proxy presents its own client certificate.
//
// There is no insecure mode: neither context can be built without a trust
// pool and a key pair, and a Policy that offers no ALPN protocol or allows a
// legacy protocol version is rejected with a TLSConfigError.
//
// Example:
//
//	store, err := tls.LoadCertificateStore(tls.CertificatePaths{
//	    CAFile:     "certs/ca.crt",
//	    ServerCert: "certs/proxy.crt",
//	    ServerKey:  "certs/proxy.key",
//	    ClientCert: "certs/proxy-client.crt",
//	    ClientKey:  "certs/proxy-client.key",
//	})
//	if err != nil {
//	    return err
//	}
//
//	server, err := tls.NewServerContext(store.ServerMaterial(), tls.DefaultPolicy())
//	if err != nil {
//	    return err
//	}
//
// # Metrics
//
// Metrics exposes handshake counters and durations per side, handshake
// failures by reason and the remaining lifetime of each loaded certificate.
package tls
