package config

import (
	"net"
	"time"

	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// Forwarding modes.
const (
	// ForwardingModeStream replays every inbound HTTP/2 stream as one outbound stream.
	ForwardingModeStream = "stream"

	// ForwardingModePassthrough copies decrypted bytes between the two sessions.
	ForwardingModePassthrough = "passthrough"
)

// ALPN policies applied when a client does not negotiate h2.
const (
	// ALPNPolicyReject closes inbound connections that did not negotiate h2.
	ALPNPolicyReject = "reject"

	// ALPNPolicyDowngrade forwards them in passthrough mode with the same protocol upstream.
	ALPNPolicyDowngrade = "downgrade"
)

// Default values.
const (
	DefaultListen               = "127.0.0.1:8443"
	DefaultInboundHandshake     = 5 * time.Second
	DefaultUpstreamDial         = 5 * time.Second
	DefaultUpstreamHandshake    = 10 * time.Second
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultCloseGrace           = 5 * time.Second
	DefaultShutdownGrace        = 30 * time.Second
	DefaultMaxConnections       = 10000
	DefaultBufferSize           = 32 * 1024
	DefaultMaxConcurrentStreams = 250
	DefaultBreakerMaxRequests   = 1
	DefaultBreakerTimeout       = 10 * time.Second
	DefaultBreakerFailures      = 5
	DefaultMetricsAddress       = ":9090"
	DefaultMetricsPath          = "/metrics"
	DefaultServiceName          = "avasidecar"
	DefaultTracingSamplingRate  = 1.0
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultLogOutput            = "stdout"
	DefaultExpiryCheckInterval  = time.Hour
)

// Config is the complete sidecar configuration.
type Config struct {
	Listen         string               `yaml:"listen" json:"listen"`
	Upstream       string               `yaml:"upstream" json:"upstream"`
	TLS            TLSConfig            `yaml:"tls" json:"tls"`
	Timeouts       TimeoutsConfig       `yaml:"timeouts" json:"timeouts"`
	Limits         LimitsConfig         `yaml:"limits" json:"limits"`
	Forwarding     ForwardingConfig     `yaml:"forwarding" json:"forwarding"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuitBreaker"`
	Observability  ObservabilityConfig  `yaml:"observability" json:"observability"`
}

// TLSConfig holds certificate paths and the negotiation policy.
type TLSConfig struct {
	CAFile     string `yaml:"ca_file" json:"caFile"`
	ServerCert string `yaml:"server_cert" json:"serverCert"`
	ServerKey  string `yaml:"server_key" json:"serverKey"`
	ClientCert string `yaml:"client_cert" json:"clientCert"`
	ClientKey  string `yaml:"client_key" json:"clientKey"`

	// ServerName is verified against the upstream certificate.
	// Empty means the host part of Upstream.
	ServerName string `yaml:"server_name" json:"serverName"`

	MinVersion       string   `yaml:"min_version" json:"minVersion"`
	ALPN             []string `yaml:"alpn" json:"alpn"`
	CipherSuites     []string `yaml:"cipher_suites" json:"cipherSuites"`
	CurvePreferences []string `yaml:"curve_preferences" json:"curvePreferences"`

	// ExpiryCheckInterval controls how often certificate expiry metrics are refreshed.
	ExpiryCheckInterval Duration `yaml:"expiry_check_interval" json:"expiryCheckInterval"`
}

// TimeoutsConfig holds every timeout the proxy enforces.
type TimeoutsConfig struct {
	InboundHandshake  Duration `yaml:"inbound_handshake" json:"inboundHandshake"`
	UpstreamDial      Duration `yaml:"upstream_dial" json:"upstreamDial"`
	UpstreamHandshake Duration `yaml:"upstream_handshake" json:"upstreamHandshake"`
	Idle              Duration `yaml:"idle" json:"idle"`
	CloseGrace        Duration `yaml:"close_grace" json:"closeGrace"`
	ShutdownGrace     Duration `yaml:"shutdown_grace" json:"shutdownGrace"`
}

// LimitsConfig holds admission control settings.
type LimitsConfig struct {
	MaxConnections int     `yaml:"max_connections" json:"maxConnections"`
	AcceptRate     float64 `yaml:"accept_rate" json:"acceptRate"`
	AcceptBurst    int     `yaml:"accept_burst" json:"acceptBurst"`
}

// ForwardingConfig selects how traffic is relayed.
type ForwardingConfig struct {
	Mode                 string `yaml:"mode" json:"mode"`
	ALPNPolicy           string `yaml:"alpn_policy" json:"alpnPolicy"`
	BufferSize           int    `yaml:"buffer_size" json:"bufferSize"`
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams" json:"maxConcurrentStreams"`
}

// CircuitBreakerConfig configures the breaker guarding upstream dials.
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	MaxRequests      uint32   `yaml:"max_requests" json:"maxRequests"`
	Interval         Duration `yaml:"interval" json:"interval"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold uint32   `yaml:"failure_threshold" json:"failureThreshold"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the metrics and health listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"samplingRate"`
	ServiceName  string  `yaml:"service_name" json:"serviceName"`
}

// DefaultConfig returns a configuration with every default applied.
// Certificate paths and the upstream address have no defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: DefaultListen,
		TLS: TLSConfig{
			MinVersion:          string(tlspkg.TLSVersion12),
			ALPN:                []string{tlspkg.ProtocolHTTP2},
			ExpiryCheckInterval: Duration(DefaultExpiryCheckInterval),
		},
		Timeouts: TimeoutsConfig{
			InboundHandshake:  Duration(DefaultInboundHandshake),
			UpstreamDial:      Duration(DefaultUpstreamDial),
			UpstreamHandshake: Duration(DefaultUpstreamHandshake),
			Idle:              Duration(DefaultIdleTimeout),
			CloseGrace:        Duration(DefaultCloseGrace),
			ShutdownGrace:     Duration(DefaultShutdownGrace),
		},
		Limits: LimitsConfig{
			MaxConnections: DefaultMaxConnections,
		},
		Forwarding: ForwardingConfig{
			Mode:                 ForwardingModeStream,
			ALPNPolicy:           ALPNPolicyReject,
			BufferSize:           DefaultBufferSize,
			MaxConcurrentStreams: DefaultMaxConcurrentStreams,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			MaxRequests:      DefaultBreakerMaxRequests,
			Timeout:          Duration(DefaultBreakerTimeout),
			FailureThreshold: DefaultBreakerFailures,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  DefaultLogLevel,
				Format: DefaultLogFormat,
				Output: DefaultLogOutput,
			},
			Metrics: MetricsConfig{
				Address: DefaultMetricsAddress,
				Path:    DefaultMetricsPath,
			},
			Tracing: TracingConfig{
				SamplingRate: DefaultTracingSamplingRate,
				ServiceName:  DefaultServiceName,
			},
		},
	}
}

// ApplyDefaults fills zero values left by a sparse configuration file.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	setString(&c.Listen, d.Listen)
	setString(&c.TLS.MinVersion, d.TLS.MinVersion)
	if c.TLS.ALPN == nil {
		c.TLS.ALPN = d.TLS.ALPN
	}
	setDuration(&c.TLS.ExpiryCheckInterval, d.TLS.ExpiryCheckInterval)

	setDuration(&c.Timeouts.InboundHandshake, d.Timeouts.InboundHandshake)
	setDuration(&c.Timeouts.UpstreamDial, d.Timeouts.UpstreamDial)
	setDuration(&c.Timeouts.UpstreamHandshake, d.Timeouts.UpstreamHandshake)
	setDuration(&c.Timeouts.Idle, d.Timeouts.Idle)
	setDuration(&c.Timeouts.CloseGrace, d.Timeouts.CloseGrace)
	setDuration(&c.Timeouts.ShutdownGrace, d.Timeouts.ShutdownGrace)

	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = d.Limits.MaxConnections
	}
	if c.Limits.AcceptRate > 0 && c.Limits.AcceptBurst == 0 {
		c.Limits.AcceptBurst = 1
	}

	setString(&c.Forwarding.Mode, d.Forwarding.Mode)
	setString(&c.Forwarding.ALPNPolicy, d.Forwarding.ALPNPolicy)
	if c.Forwarding.BufferSize == 0 {
		c.Forwarding.BufferSize = d.Forwarding.BufferSize
	}
	if c.Forwarding.MaxConcurrentStreams == 0 {
		c.Forwarding.MaxConcurrentStreams = d.Forwarding.MaxConcurrentStreams
	}

	if c.CircuitBreaker.MaxRequests == 0 {
		c.CircuitBreaker.MaxRequests = d.CircuitBreaker.MaxRequests
	}
	setDuration(&c.CircuitBreaker.Timeout, d.CircuitBreaker.Timeout)
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = d.CircuitBreaker.FailureThreshold
	}

	obs := &c.Observability
	setString(&obs.Logging.Level, d.Observability.Logging.Level)
	setString(&obs.Logging.Format, d.Observability.Logging.Format)
	setString(&obs.Logging.Output, d.Observability.Logging.Output)
	setString(&obs.Metrics.Address, d.Observability.Metrics.Address)
	setString(&obs.Metrics.Path, d.Observability.Metrics.Path)
	setString(&obs.Tracing.ServiceName, d.Observability.Tracing.ServiceName)
}

// UpstreamServerName returns the name the upstream certificate is verified against.
func (c *Config) UpstreamServerName() string {
	if c.TLS.ServerName != "" {
		return c.TLS.ServerName
	}
	host, _, err := net.SplitHostPort(c.Upstream)
	if err != nil {
		return c.Upstream
	}
	return host
}

// CertificatePaths returns the certificate file locations.
func (c *Config) CertificatePaths() tlspkg.CertificatePaths {
	return tlspkg.CertificatePaths{
		CAFile:     c.TLS.CAFile,
		ServerCert: c.TLS.ServerCert,
		ServerKey:  c.TLS.ServerKey,
		ClientCert: c.TLS.ClientCert,
		ClientKey:  c.TLS.ClientKey,
	}
}

// TLSPolicy returns the negotiation policy shared by both contexts.
func (c *Config) TLSPolicy() tlspkg.Policy {
	return tlspkg.Policy{
		MinVersion:       tlspkg.TLSVersion(c.TLS.MinVersion),
		ALPN:             append([]string(nil), c.TLS.ALPN...),
		CipherSuites:     append([]string(nil), c.TLS.CipherSuites...),
		CurvePreferences: append([]string(nil), c.TLS.CurvePreferences...),
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *Duration, def Duration) {
	if *dst == 0 {
		*dst = def
	}
}
