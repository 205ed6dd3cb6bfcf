package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
)

// ConnectionTracker tracks active inbound connections for limits, metrics
// and graceful shutdown.
type ConnectionTracker struct {
	connections sync.Map
	maxConns    int
	connCount   int64
	logger      observability.Logger
}

// TrackedConnection represents a tracked inbound connection and, once
// established, its outbound counterpart.
type TrackedConnection struct {
	ID         string
	RemoteAddr string
	LocalAddr  string
	StartTime  time.Time
	BytesIn    int64
	BytesOut   int64

	conn         net.Conn
	outbound     net.Conn
	lastActivity atomic.Int64
	mu           sync.RWMutex
}

// NewConnectionTracker creates a new connection tracker.
func NewConnectionTracker(maxConns int, logger observability.Logger) *ConnectionTracker {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &ConnectionTracker{
		maxConns: maxConns,
		logger:   logger,
	}
}

// Add adds a new connection to the tracker.
// Returns ErrMaxConnections if the limit is reached.
func (t *ConnectionTracker) Add(conn net.Conn) (*TrackedConnection, error) {
	if n := atomic.AddInt64(&t.connCount, 1); int(n) > t.maxConns {
		atomic.AddInt64(&t.connCount, -1)
		return nil, fmt.Errorf("%w: %d", ErrMaxConnections, t.maxConns)
	}

	now := time.Now()
	tracked := &TrackedConnection{
		ID:         uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		LocalAddr:  conn.LocalAddr().String(),
		StartTime:  now,
		conn:       conn,
	}
	tracked.lastActivity.Store(now.UnixNano())

	t.connections.Store(tracked.ID, tracked)

	t.logger.Debug("connection added",
		observability.String("connection_id", tracked.ID),
		observability.String("remote_addr", tracked.RemoteAddr),
	)

	return tracked, nil
}

// Remove removes a connection from the tracker.
func (t *ConnectionTracker) Remove(id string) {
	if _, loaded := t.connections.LoadAndDelete(id); loaded {
		atomic.AddInt64(&t.connCount, -1)
		t.logger.Debug("connection removed", observability.String("connection_id", id))
	}
}

// Get returns a tracked connection by ID.
func (t *ConnectionTracker) Get(id string) *TrackedConnection {
	if v, ok := t.connections.Load(id); ok {
		return v.(*TrackedConnection)
	}
	return nil
}

// Count returns the current number of active connections.
func (t *ConnectionTracker) Count() int {
	return int(atomic.LoadInt64(&t.connCount))
}

// List returns all tracked connections.
func (t *ConnectionTracker) List() []*TrackedConnection {
	var connections []*TrackedConnection
	t.connections.Range(func(_, value any) bool {
		connections = append(connections, value.(*TrackedConnection))
		return true
	})
	return connections
}

// CloseAll closes every tracked connection and its outbound counterpart.
func (t *ConnectionTracker) CloseAll() {
	t.connections.Range(func(_, value any) bool {
		tracked := value.(*TrackedConnection)
		if err := tracked.Close(); err != nil {
			t.logger.Debug("error closing connection",
				observability.String("connection_id", tracked.ID),
				observability.Error(err),
			)
		}
		return true
	})
}

// AddBytesIn adds to the bytes received from the client.
func (tc *TrackedConnection) AddBytesIn(n int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.BytesIn += n
}

// AddBytesOut adds to the bytes sent to the client.
func (tc *TrackedConnection) AddBytesOut(n int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.BytesOut += n
}

// GetStats returns the current stats for the connection.
func (tc *TrackedConnection) GetStats() (bytesIn, bytesOut int64, duration time.Duration) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.BytesIn, tc.BytesOut, time.Since(tc.StartTime)
}

// Touch records traffic in either direction.
func (tc *TrackedConnection) Touch() {
	tc.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns the time since the last recorded traffic.
func (tc *TrackedConnection) IdleFor() time.Duration {
	return time.Since(time.Unix(0, tc.lastActivity.Load()))
}

// attachOutbound registers the outbound connection so CloseAll reaches it.
func (tc *TrackedConnection) attachOutbound(conn net.Conn) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.outbound = conn
}

// Close closes the inbound socket and, if attached, the outbound one.
func (tc *TrackedConnection) Close() error {
	tc.mu.RLock()
	outbound := tc.outbound
	tc.mu.RUnlock()

	var errs []error
	if outbound != nil {
		if err := outbound.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, err)
		}
	}
	if tc.conn != nil {
		if err := tc.conn.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CountingConn wraps a net.Conn to count bytes transferred, record activity
// and signal when the peer goes away.
type CountingConn struct {
	net.Conn
	tracked *TrackedConnection
	count   bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewCountingConn wraps the client-facing connection. Bytes read count as
// BytesIn and bytes written as BytesOut.
func NewCountingConn(conn net.Conn, tracked *TrackedConnection) *CountingConn {
	return &CountingConn{
		Conn:    conn,
		tracked: tracked,
		count:   true,
		done:    make(chan struct{}),
	}
}

// newActivityConn wraps the upstream-facing connection. It records activity
// but does not count bytes.
func newActivityConn(conn net.Conn, tracked *TrackedConnection) *CountingConn {
	return &CountingConn{
		Conn:    conn,
		tracked: tracked,
		done:    make(chan struct{}),
	}
}

// Read reads data from the connection and updates the bytes counter.
func (c *CountingConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 && c.tracked != nil {
		c.tracked.Touch()
		if c.count {
			c.tracked.AddBytesIn(int64(n))
		}
	}
	if err != nil && !isTimeout(err) {
		c.markDone()
	}
	return n, err
}

// Write writes data to the connection and updates the bytes counter.
func (c *CountingConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 && c.tracked != nil {
		c.tracked.Touch()
		if c.count {
			c.tracked.AddBytesOut(int64(n))
		}
	}
	return n, err
}

// Close closes the connection and marks it done.
func (c *CountingConn) Close() error {
	c.markDone()
	return c.Conn.Close()
}

// CloseWrite sends a TLS close_notify (or TCP FIN) without closing the read side.
func (c *CountingConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// ConnectionState exposes the TLS state of the wrapped connection so the
// HTTP/2 server and client see a TLS connection.
func (c *CountingConn) ConnectionState() tls.ConnectionState {
	if cs, ok := c.Conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		return cs.ConnectionState()
	}
	return tls.ConnectionState{}
}

// Done is closed once a read fails for any reason other than a deadline,
// or the connection is closed locally.
func (c *CountingConn) Done() <-chan struct{} {
	return c.done
}

func (c *CountingConn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// isClosedError checks if the error is due to a closed connection.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
