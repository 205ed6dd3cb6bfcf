package proxy

import (
	"time"

	"github.com/vyrodovalexey/avasidecar/internal/config"
)

// Default configuration values for context cancellation handling.
const (
	// DefaultAcceptDeadline is the deadline for accept operations to allow
	// periodic context checks.
	DefaultAcceptDeadline = 500 * time.Millisecond

	// DefaultBufferSize is the passthrough copy buffer size.
	DefaultBufferSize = 32 * 1024

	// forceCloseWait bounds how long Stop waits for handlers after force close.
	forceCloseWait = time.Second
)

// Config holds the runtime settings of the engine.
type Config struct {
	Listen   string
	Upstream string

	// Mode is config.ForwardingModeStream or config.ForwardingModePassthrough.
	Mode string

	// ALPNPolicy is config.ALPNPolicyReject or config.ALPNPolicyDowngrade.
	ALPNPolicy string

	InboundHandshakeTimeout  time.Duration
	UpstreamDialTimeout      time.Duration
	UpstreamHandshakeTimeout time.Duration
	IdleTimeout              time.Duration
	CloseGrace               time.Duration
	ShutdownGrace            time.Duration

	MaxConnections int
	AcceptRate     float64
	AcceptBurst    int

	BufferSize           int
	MaxConcurrentStreams uint32

	CircuitBreaker config.CircuitBreakerConfig

	// AcceptDeadline is the accept poll interval. If not set,
	// DefaultAcceptDeadline is used.
	AcceptDeadline time.Duration
}

// NewConfig maps a validated sidecar configuration onto engine settings.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Listen:                   cfg.Listen,
		Upstream:                 cfg.Upstream,
		Mode:                     cfg.Forwarding.Mode,
		ALPNPolicy:               cfg.Forwarding.ALPNPolicy,
		InboundHandshakeTimeout:  cfg.Timeouts.InboundHandshake.Duration(),
		UpstreamDialTimeout:      cfg.Timeouts.UpstreamDial.Duration(),
		UpstreamHandshakeTimeout: cfg.Timeouts.UpstreamHandshake.Duration(),
		IdleTimeout:              cfg.Timeouts.Idle.Duration(),
		CloseGrace:               cfg.Timeouts.CloseGrace.Duration(),
		ShutdownGrace:            cfg.Timeouts.ShutdownGrace.Duration(),
		MaxConnections:           cfg.Limits.MaxConnections,
		AcceptRate:               cfg.Limits.AcceptRate,
		AcceptBurst:              cfg.Limits.AcceptBurst,
		BufferSize:               cfg.Forwarding.BufferSize,
		MaxConcurrentStreams:     cfg.Forwarding.MaxConcurrentStreams,
		CircuitBreaker:           cfg.CircuitBreaker,
	}
}

// DefaultConfig returns engine settings built from config.DefaultConfig.
func DefaultConfig() Config {
	return NewConfig(config.DefaultConfig())
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.ALPNPolicy == "" {
		c.ALPNPolicy = d.ALPNPolicy
	}
	setDuration(&c.InboundHandshakeTimeout, d.InboundHandshakeTimeout)
	setDuration(&c.UpstreamDialTimeout, d.UpstreamDialTimeout)
	setDuration(&c.UpstreamHandshakeTimeout, d.UpstreamHandshakeTimeout)
	setDuration(&c.IdleTimeout, d.IdleTimeout)
	setDuration(&c.CloseGrace, d.CloseGrace)
	setDuration(&c.ShutdownGrace, d.ShutdownGrace)
	setDuration(&c.AcceptDeadline, DefaultAcceptDeadline)
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = d.MaxConcurrentStreams
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}
