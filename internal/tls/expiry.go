package tls

import (
	"context"
	"time"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
)

const (
	// DefaultExpiryCheckInterval is the default interval for checking certificate expiry.
	DefaultExpiryCheckInterval = 1 * time.Hour

	// DefaultExpiryWarningThreshold is the default threshold for warning about expiring certificates.
	DefaultExpiryWarningThreshold = 7 * 24 * time.Hour
)

// ReportExpiry publishes the remaining lifetime of every loaded certificate
// and warns about the ones expiring within threshold.
func (s *CertificateStore) ReportExpiry(metrics MetricsRecorder, logger observability.Logger, threshold time.Duration) {
	for role, cert := range s.Certificates() {
		metrics.UpdateCertificateExpiry(cert, role)

		remaining := time.Until(cert.NotAfter)
		if remaining <= threshold {
			logger.Warn("certificate expiring soon",
				observability.String("role", role),
				observability.String("subject", cert.Subject.String()),
				observability.Duration("remaining", remaining),
			)
		}
	}
}

// MonitorExpiry calls ReportExpiry every interval until ctx is done.
func (s *CertificateStore) MonitorExpiry(
	ctx context.Context,
	metrics MetricsRecorder,
	logger observability.Logger,
	interval time.Duration,
) {
	if interval <= 0 {
		interval = DefaultExpiryCheckInterval
	}

	s.ReportExpiry(metrics, logger, DefaultExpiryWarningThreshold)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReportExpiry(metrics, logger, DefaultExpiryWarningThreshold)
		}
	}
}
