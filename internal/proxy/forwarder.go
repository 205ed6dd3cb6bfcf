package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avasidecar/internal/config"
	"github.com/vyrodovalexey/avasidecar/internal/observability"
	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// Forwarder relays traffic between the two sessions of a pair, either as
// HTTP/2 streams or as raw bytes.
type Forwarder struct {
	mode                 string
	maxConcurrentStreams uint32
	idleTimeout          time.Duration
	closeGrace           time.Duration
	bufferPool           *sync.Pool

	metrics MetricsRecorder
	tracer  *observability.Tracer
	logger  observability.Logger
}

func newForwarder(cfg *Config, metrics MetricsRecorder, tracer *observability.Tracer, logger observability.Logger) *Forwarder {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Forwarder{
		mode:                 cfg.Mode,
		maxConcurrentStreams: cfg.MaxConcurrentStreams,
		idleTimeout:          cfg.IdleTimeout,
		closeGrace:           cfg.CloseGrace,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, bufferSize)
				return &buf
			},
		},
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
}

// ModeFor returns the forwarding mode used for an inbound session: stream
// mode needs h2, anything else admitted by the downgrade policy is copied
// byte for byte.
func (f *Forwarder) ModeFor(inbound *InboundSession) string {
	if f.mode == config.ForwardingModeStream && inbound.Protocol() == tlspkg.ProtocolHTTP2 {
		return config.ForwardingModeStream
	}
	return config.ForwardingModePassthrough
}

// Forward relays traffic until either side closes, the pair goes idle or
// ctx is cancelled. Both connections are closed on return. The returned
// string is the close result used for metrics.
func (f *Forwarder) Forward(ctx context.Context, pair *Pair) (string, error) {
	if f.ModeFor(pair.Inbound) == config.ForwardingModeStream {
		return f.forwardStreams(ctx, pair)
	}
	return f.forwardBytes(ctx, pair)
}

// watchIdle returns a channel closed once the pair has seen no traffic for
// the idle timeout, and a stop function that must be called.
func (f *Forwarder) watchIdle(tracked *TrackedConnection) (<-chan struct{}, func()) {
	idle := make(chan struct{})
	if f.idleTimeout <= 0 {
		return idle, func() {}
	}

	interval := f.idleTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if tracked.IdleFor() >= f.idleTimeout {
					close(idle)
					return
				}
			}
		}
	}()

	var once sync.Once
	return idle, func() {
		once.Do(func() { close(stop) })
		<-exited
	}
}

func (f *Forwarder) getBuffer() *[]byte {
	return f.bufferPool.Get().(*[]byte)
}

func (f *Forwarder) putBuffer(buf *[]byte) {
	f.bufferPool.Put(buf)
}
