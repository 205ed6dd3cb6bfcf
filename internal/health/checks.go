package health

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sort"
	"time"
)

// ListenerCheck is unhealthy until serving reports true.
func ListenerCheck(serving func() bool) CheckFunc {
	return func() Check {
		if serving() {
			return Check{Status: StatusHealthy, Message: "accepting connections"}
		}
		return Check{Status: StatusUnhealthy, Message: "listener not serving"}
	}
}

// CircuitBreakerCheck reports degraded while the upstream breaker is open
// or half-open. An open breaker does not make the sidecar unready: inbound
// connections are still accepted and refused individually.
func CircuitBreakerCheck(state func() string) CheckFunc {
	return func() Check {
		switch s := state(); s {
		case "closed", "":
			return Check{Status: StatusHealthy, Message: "closed"}
		default:
			return Check{Status: StatusDegraded, Message: s}
		}
	}
}

// CertificateExpiryCheck inspects every loaded certificate. An expired
// certificate is unhealthy; one expiring within threshold is degraded.
func CertificateExpiryCheck(
	certificates func() map[string]*x509.Certificate,
	threshold time.Duration,
	now func() time.Time,
) CheckFunc {
	if now == nil {
		now = time.Now
	}

	return func() Check {
		certs := certificates()
		roles := make([]string, 0, len(certs))
		for role := range certs {
			roles = append(roles, role)
		}
		sort.Strings(roles)

		current := now()
		status := StatusHealthy
		message := fmt.Sprintf("%d certificates valid", len(certs))

		for _, role := range roles {
			cert := certs[role]
			if cert == nil {
				continue
			}
			remaining := cert.NotAfter.Sub(current)
			switch {
			case remaining <= 0:
				return Check{
					Status:  StatusUnhealthy,
					Message: fmt.Sprintf("%s certificate %q expired at %s", role, cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339)),
				}
			case remaining < threshold && status == StatusHealthy:
				status = StatusDegraded
				message = fmt.Sprintf("%s certificate %q expires in %s", role, cert.Subject.CommonName, remaining.Round(time.Minute))
			}
		}

		return Check{Status: status, Message: message}
	}
}

// UpstreamReachableCheck dials address over TCP. A failed dial is reported
// as degraded since upstream availability is the application's concern.
func UpstreamReachableCheck(address string, timeout time.Duration) CheckFunc {
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("failed to connect: %v", err)}
		}
		_ = conn.Close()

		return Check{Status: StatusHealthy, Message: "reachable"}
	}
}
