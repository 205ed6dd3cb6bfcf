package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// minBufferSize is the smallest passthrough copy buffer accepted.
const minBufferSize = 1024

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Paths returns the path of every error, in order.
func (e ValidationErrors) Paths() []string {
	paths := make([]string, len(e))
	for i := range e {
		paths[i] = e[i].Path
	}
	return paths
}

// Validator validates sidecar configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a sidecar configuration.
func ValidateConfig(config *Config) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns every violation found
// as ValidationErrors, or nil.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateAddresses(config)
	v.validateTLS(config)
	v.validateTimeouts(&config.Timeouts)
	v.validateLimits(&config.Limits)
	v.validateForwarding(config)
	v.validateCircuitBreaker(&config.CircuitBreaker)
	v.validateObservability(&config.Observability)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateAddresses(config *Config) {
	if config.Listen == "" {
		v.addError("listen", "listen address is required")
	} else if err := validateHostPort(config.Listen, false); err != nil {
		v.addError("listen", err.Error())
	}

	if config.Upstream == "" {
		v.addError("upstream", "upstream address is required")
	} else if err := validateHostPort(config.Upstream, true); err != nil {
		v.addError("upstream", err.Error())
	}
}

func (v *Validator) validateTLS(config *Config) {
	files := []struct {
		path  string
		value string
	}{
		{"tls.ca_file", config.TLS.CAFile},
		{"tls.server_cert", config.TLS.ServerCert},
		{"tls.server_key", config.TLS.ServerKey},
		{"tls.client_cert", config.TLS.ClientCert},
		{"tls.client_key", config.TLS.ClientKey},
	}
	for _, f := range files {
		if strings.TrimSpace(f.value) == "" {
			v.addError(f.path, "path is required")
		}
	}

	switch tlspkg.TLSVersion(config.TLS.MinVersion) {
	case tlspkg.TLSVersion12, tlspkg.TLSVersion13:
	default:
		v.addError("tls.min_version", fmt.Sprintf("must be TLS12 or TLS13, got %q", config.TLS.MinVersion))
		return
	}

	if err := config.TLSPolicy().Validate(); err != nil {
		v.addError("tls", err.Error())
	}

	if config.TLS.ExpiryCheckInterval.Duration() < 0 {
		v.addError("tls.expiry_check_interval", "cannot be negative")
	}
}

func (v *Validator) validateTimeouts(t *TimeoutsConfig) {
	timeouts := []struct {
		path  string
		value Duration
	}{
		{"timeouts.inbound_handshake", t.InboundHandshake},
		{"timeouts.upstream_dial", t.UpstreamDial},
		{"timeouts.upstream_handshake", t.UpstreamHandshake},
		{"timeouts.idle", t.Idle},
		{"timeouts.close_grace", t.CloseGrace},
		{"timeouts.shutdown_grace", t.ShutdownGrace},
	}
	for _, to := range timeouts {
		if to.value.Duration() <= 0 {
			v.addError(to.path, "must be positive")
		}
	}
}

func (v *Validator) validateLimits(l *LimitsConfig) {
	if l.MaxConnections <= 0 {
		v.addError("limits.max_connections", "must be positive")
	}
	if l.AcceptRate < 0 {
		v.addError("limits.accept_rate", "cannot be negative")
	}
	if l.AcceptBurst < 0 {
		v.addError("limits.accept_burst", "cannot be negative")
	}
	if l.AcceptRate > 0 && l.AcceptBurst == 0 {
		v.addError("limits.accept_burst", "must be positive when accept_rate is set")
	}
}

func (v *Validator) validateForwarding(config *Config) {
	f := &config.Forwarding

	switch f.Mode {
	case ForwardingModeStream, ForwardingModePassthrough:
	default:
		v.addError("forwarding.mode", fmt.Sprintf("must be %s or %s, got %q",
			ForwardingModeStream, ForwardingModePassthrough, f.Mode))
	}

	switch f.ALPNPolicy {
	case ALPNPolicyReject, ALPNPolicyDowngrade:
	default:
		v.addError("forwarding.alpn_policy", fmt.Sprintf("must be %s or %s, got %q",
			ALPNPolicyReject, ALPNPolicyDowngrade, f.ALPNPolicy))
	}

	if f.Mode == ForwardingModeStream && !config.TLSPolicy().OffersHTTP2() {
		v.addError("tls.alpn", "stream forwarding requires h2 to be offered")
	}

	if f.BufferSize < minBufferSize {
		v.addError("forwarding.buffer_size", fmt.Sprintf("must be at least %d", minBufferSize))
	}
	if f.MaxConcurrentStreams == 0 {
		v.addError("forwarding.max_concurrent_streams", "must be positive")
	}
}

func (v *Validator) validateCircuitBreaker(cb *CircuitBreakerConfig) {
	if !cb.Enabled {
		return
	}
	if cb.MaxRequests == 0 {
		v.addError("circuit_breaker.max_requests", "must be positive when enabled")
	}
	if cb.FailureThreshold == 0 {
		v.addError("circuit_breaker.failure_threshold", "must be positive when enabled")
	}
	if cb.Timeout.Duration() <= 0 {
		v.addError("circuit_breaker.timeout", "must be positive when enabled")
	}
	if cb.Interval.Duration() < 0 {
		v.addError("circuit_breaker.interval", "cannot be negative")
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	switch strings.ToLower(o.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("observability.logging.level", "must be debug, info, warn or error")
	}
	switch o.Logging.Format {
	case "json", "console":
	default:
		v.addError("observability.logging.format", "must be json or console")
	}
	switch o.Logging.Output {
	case "stdout", "stderr":
	default:
		v.addError("observability.logging.output", "must be stdout or stderr")
	}

	if o.Metrics.Enabled {
		if err := validateHostPort(o.Metrics.Address, false); err != nil {
			v.addError("observability.metrics.address", err.Error())
		}
		if !strings.HasPrefix(o.Metrics.Path, "/") {
			v.addError("observability.metrics.path", "must start with /")
		}
	}

	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.sampling_rate", "must be between 0 and 1")
	}
	if o.Tracing.Enabled && o.Tracing.ServiceName == "" {
		v.addError("observability.tracing.service_name", "is required when tracing is enabled")
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

// validateHostPort checks a host:port address. requireHost rejects ":port".
func validateHostPort(addr string, requireHost bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if requireHost && host == "" {
		return fmt.Errorf("address %q has no host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	if requireHost && p == 0 {
		return fmt.Errorf("address %q needs a non-zero port", addr)
	}
	return nil
}
