package proxy

import (
	"errors"
	"fmt"
)

// Common sentinel errors for proxy operations.
var (
	// ErrHandshakeFailed indicates that the inbound TLS handshake failed.
	ErrHandshakeFailed = errors.New("inbound handshake failed")

	// ErrUpstreamUnavailable indicates that no outbound session could be established.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrForwardingFailed indicates an I/O failure while relaying traffic.
	ErrForwardingFailed = errors.New("forwarding failed")

	// ErrMaxConnections indicates that the connection limit was reached.
	ErrMaxConnections = errors.New("maximum connections reached")

	// ErrEngineRunning indicates that Start was called twice.
	ErrEngineRunning = errors.New("engine already running")

	// ErrEngineNotStarted indicates that Serve was called before Start.
	ErrEngineNotStarted = errors.New("engine not started")

	// ErrListenerClosed indicates that the listener failed while serving.
	ErrListenerClosed = errors.New("listener closed unexpectedly")
)

// HandshakeError is a failed inbound handshake. The raw socket is closed
// and the failure is never retried.
type HandshakeError struct {
	RemoteAddr string
	Reason     string
	Cause      error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("inbound handshake with %s failed (%s): %v", e.RemoteAddr, e.Reason, e.Cause)
	}
	return fmt.Sprintf("inbound handshake with %s failed (%s)", e.RemoteAddr, e.Reason)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *HandshakeError) Is(target error) bool {
	if target == ErrHandshakeFailed {
		return true
	}
	_, ok := target.(*HandshakeError)
	return ok
}

// NewHandshakeError creates a new HandshakeError.
func NewHandshakeError(remoteAddr, reason string, cause error) *HandshakeError {
	return &HandshakeError{RemoteAddr: remoteAddr, Reason: reason, Cause: cause}
}

// UpstreamErrorKind classifies outbound connection failures.
type UpstreamErrorKind string

// Upstream error kinds.
const (
	UpstreamUnreachable UpstreamErrorKind = "unreachable"
	UpstreamTimeout     UpstreamErrorKind = "timeout"
	UpstreamCertificate UpstreamErrorKind = "certificate"
	UpstreamProtocol    UpstreamErrorKind = "protocol"
	UpstreamCircuitOpen UpstreamErrorKind = "circuit_open"
)

// UpstreamConnectError is a failure to dial or handshake with the upstream.
type UpstreamConnectError struct {
	Address string
	Kind    UpstreamErrorKind
	Cause   error
}

// Error implements the error interface.
func (e *UpstreamConnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Address, e.Kind, e.Cause)
	}
	return fmt.Sprintf("upstream %s: %s", e.Address, e.Kind)
}

// Unwrap returns the underlying error.
func (e *UpstreamConnectError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamConnectError) Is(target error) bool {
	if target == ErrUpstreamUnavailable {
		return true
	}
	_, ok := target.(*UpstreamConnectError)
	return ok
}

// NewUpstreamConnectError creates a new UpstreamConnectError.
func NewUpstreamConnectError(address string, kind UpstreamErrorKind, cause error) *UpstreamConnectError {
	return &UpstreamConnectError{Address: address, Kind: kind, Cause: cause}
}

// Direction names the flow a forwarding error occurred in.
type Direction string

// Forwarding directions.
const (
	// DirectionUpstream is client to upstream.
	DirectionUpstream Direction = "upstream"
	// DirectionDownstream is upstream to client.
	DirectionDownstream Direction = "downstream"
)

// ForwardingError is a mid-transfer I/O failure. In stream mode it is scoped
// to one stream; in passthrough mode to the whole pair.
type ForwardingError struct {
	Direction Direction
	Cause     error
}

// Error implements the error interface.
func (e *ForwardingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("forwarding %s failed: %v", e.Direction, e.Cause)
	}
	return fmt.Sprintf("forwarding %s failed", e.Direction)
}

// Unwrap returns the underlying error.
func (e *ForwardingError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ForwardingError) Is(target error) bool {
	if target == ErrForwardingFailed {
		return true
	}
	_, ok := target.(*ForwardingError)
	return ok
}

// NewForwardingError creates a new ForwardingError.
func NewForwardingError(direction Direction, cause error) *ForwardingError {
	return &ForwardingError{Direction: direction, Cause: cause}
}
