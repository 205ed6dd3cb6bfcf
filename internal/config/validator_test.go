package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Upstream = "127.0.0.1:9443"
	cfg.TLS.CAFile = "ca.crt"
	cfg.TLS.ServerCert = "proxy.crt"
	cfg.TLS.ServerKey = "proxy.key"
	cfg.TLS.ClientCert = "proxy-client.crt"
	cfg.TLS.ClientKey = "proxy-client.key"
	return cfg
}

func TestValidateConfig_Valid(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()

	err := ValidateConfig(nil)
	require.Error(t, err)
	assert.Equal(t, "configuration is nil", err.Error())
}

func TestValidateConfig_Violations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
		path   string
	}{
		{name: "missing listen", mutate: func(c *Config) { c.Listen = "" }, path: "listen"},
		{name: "bad listen", mutate: func(c *Config) { c.Listen = "8443" }, path: "listen"},
		{name: "missing upstream", mutate: func(c *Config) { c.Upstream = "" }, path: "upstream"},
		{name: "upstream without host", mutate: func(c *Config) { c.Upstream = ":9443" }, path: "upstream"},
		{name: "upstream bad port", mutate: func(c *Config) { c.Upstream = "host:http2" }, path: "upstream"},
		{name: "upstream port zero", mutate: func(c *Config) { c.Upstream = "host:0" }, path: "upstream"},
		{name: "missing ca", mutate: func(c *Config) { c.TLS.CAFile = "" }, path: "tls.ca_file"},
		{name: "missing client key", mutate: func(c *Config) { c.TLS.ClientKey = " " }, path: "tls.client_key"},
		{name: "legacy version", mutate: func(c *Config) { c.TLS.MinVersion = "TLS11" }, path: "tls.min_version"},
		{name: "empty alpn", mutate: func(c *Config) { c.TLS.ALPN = []string{} }, path: "tls"},
		{name: "unknown cipher", mutate: func(c *Config) { c.TLS.CipherSuites = []string{"NULL"} }, path: "tls"},
		{
			name:   "stream mode without h2",
			mutate: func(c *Config) { c.TLS.ALPN = []string{"http/1.1"} },
			path:   "tls.alpn",
		},
		{name: "zero idle", mutate: func(c *Config) { c.Timeouts.Idle = 0 }, path: "timeouts.idle"},
		{
			name:   "negative handshake",
			mutate: func(c *Config) { c.Timeouts.InboundHandshake = -1 },
			path:   "timeouts.inbound_handshake",
		},
		{name: "zero connections", mutate: func(c *Config) { c.Limits.MaxConnections = 0 }, path: "limits.max_connections"},
		{name: "negative rate", mutate: func(c *Config) { c.Limits.AcceptRate = -1 }, path: "limits.accept_rate"},
		{name: "rate without burst", mutate: func(c *Config) { c.Limits.AcceptRate = 10 }, path: "limits.accept_burst"},
		{name: "unknown mode", mutate: func(c *Config) { c.Forwarding.Mode = "tunnel" }, path: "forwarding.mode"},
		{name: "unknown alpn policy", mutate: func(c *Config) { c.Forwarding.ALPNPolicy = "allow" }, path: "forwarding.alpn_policy"},
		{name: "tiny buffer", mutate: func(c *Config) { c.Forwarding.BufferSize = 10 }, path: "forwarding.buffer_size"},
		{
			name:   "zero streams",
			mutate: func(c *Config) { c.Forwarding.MaxConcurrentStreams = 0 },
			path:   "forwarding.max_concurrent_streams",
		},
		{
			name:   "breaker threshold",
			mutate: func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 },
			path:   "circuit_breaker.failure_threshold",
		},
		{name: "breaker timeout", mutate: func(c *Config) { c.CircuitBreaker.Timeout = 0 }, path: "circuit_breaker.timeout"},
		{
			name:   "log level",
			mutate: func(c *Config) { c.Observability.Logging.Level = "verbose" },
			path:   "observability.logging.level",
		},
		{
			name:   "log format",
			mutate: func(c *Config) { c.Observability.Logging.Format = "xml" },
			path:   "observability.logging.format",
		},
		{
			name:   "log output",
			mutate: func(c *Config) { c.Observability.Logging.Output = "file" },
			path:   "observability.logging.output",
		},
		{
			name: "metrics path",
			mutate: func(c *Config) {
				c.Observability.Metrics.Enabled = true
				c.Observability.Metrics.Path = "metrics"
			},
			path: "observability.metrics.path",
		},
		{
			name: "metrics address",
			mutate: func(c *Config) {
				c.Observability.Metrics.Enabled = true
				c.Observability.Metrics.Address = "9090"
			},
			path: "observability.metrics.address",
		},
		{
			name:   "sampling rate",
			mutate: func(c *Config) { c.Observability.Tracing.SamplingRate = 1.5 },
			path:   "observability.tracing.sampling_rate",
		},
		{
			name: "tracing service name",
			mutate: func(c *Config) {
				c.Observability.Tracing.Enabled = true
				c.Observability.Tracing.ServiceName = ""
			},
			path: "observability.tracing.service_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Contains(t, verrs.Paths(), tt.path)
		})
	}
}

func TestValidateConfig_DisabledBreakerSkipsChecks(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.CircuitBreaker = CircuitBreakerConfig{Enabled: false}
	assert.NoError(t, ValidateConfig(cfg))
}

func TestValidateConfig_PassthroughWithoutH2(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Forwarding.Mode = ForwardingModePassthrough
	cfg.TLS.ALPN = []string{"http/1.1"}
	assert.NoError(t, ValidateConfig(cfg))
}

func TestValidateConfig_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	err := ValidateConfig(cfg)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Greater(t, len(verrs), 10)
	assert.Contains(t, err.Error(), "validation errors:")
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.False(t, ValidationErrors{}.HasErrors())

	one := ValidationErrors{{Path: "listen", Message: "listen address is required"}}
	assert.Equal(t, "listen: listen address is required", one.Error())

	two := ValidationErrors{{Path: "a", Message: "x"}, {Message: "y"}}
	assert.Equal(t, "2 validation errors:\n  1. a: x\n  2. y\n", two.Error())
	assert.Equal(t, []string{"a", ""}, two.Paths())
}
