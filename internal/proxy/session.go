package proxy

import (
	"crypto/tls"
	"time"

	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// InboundSession is one terminated client-facing mTLS connection.
type InboundSession struct {
	ID         string
	RemoteAddr string
	Conn       *tls.Conn
	State      tls.ConnectionState

	// Peer is the verified client identity.
	Peer *tlspkg.PeerIdentity

	HandshakeDuration time.Duration
	EstablishedAt     time.Time

	tracked *TrackedConnection
}

// Protocol returns the negotiated ALPN protocol, empty if none.
func (s *InboundSession) Protocol() string {
	return s.State.NegotiatedProtocol
}

// Version returns the negotiated TLS version name.
func (s *InboundSession) Version() string {
	return tlspkg.TLSVersionName(s.State.Version)
}

// PeerSubject returns the client certificate subject, empty if unknown.
func (s *InboundSession) PeerSubject() string {
	if s.Peer == nil {
		return ""
	}
	return s.Peer.Subject
}

// OutboundSession is the upstream-facing mTLS connection paired 1:1 with an
// InboundSession. It is never shared or pooled.
type OutboundSession struct {
	Address string
	Conn    *tls.Conn
	State   tls.ConnectionState

	// Upstream is the verified upstream identity.
	Upstream *tlspkg.PeerIdentity

	ConnectDuration time.Duration
	EstablishedAt   time.Time
}

// Protocol returns the negotiated ALPN protocol, empty if none.
func (s *OutboundSession) Protocol() string {
	return s.State.NegotiatedProtocol
}

// Pair is an inbound session and its outbound session. Closing either side
// tears down both.
type Pair struct {
	Inbound  *InboundSession
	Outbound *OutboundSession

	tracked *TrackedConnection

	// drain is closed when the engine starts a graceful shutdown.
	drain <-chan struct{}
}

// NewPair binds an established outbound session to its inbound session.
func NewPair(inbound *InboundSession, outbound *OutboundSession, drain <-chan struct{}) *Pair {
	tracked := inbound.tracked
	if tracked == nil {
		tracked = &TrackedConnection{StartTime: inbound.EstablishedAt, conn: inbound.Conn}
		tracked.Touch()
		inbound.tracked = tracked
	}
	tracked.attachOutbound(outbound.Conn)

	return &Pair{
		Inbound:  inbound,
		Outbound: outbound,
		tracked:  tracked,
		drain:    drain,
	}
}
