package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
)

// forwardBytes copies decrypted bytes in both directions. EOF on one side is
// propagated as a close_notify to the other. Once the first direction
// finishes, the pair is closed when the second one does or when the pair has
// been quiet for close grace, so a peer still streaming after a half-close is
// not cut off.
func (f *Forwarder) forwardBytes(ctx context.Context, pair *Pair) (result string, firstErr error) {
	if in, out := pair.Inbound.Protocol(), pair.Outbound.Protocol(); in != out {
		closePair(pair)
		return ResultForwardingError, NewForwardingError(DirectionUpstream,
			fmt.Errorf("passthrough needs matching protocols, got %q and %q", in, out))
	}

	client := NewCountingConn(pair.Inbound.Conn, pair.tracked)
	upstream := newActivityConn(pair.Outbound.Conn, pair.tracked)

	idle, stopIdle := f.watchIdle(pair.tracked)
	defer stopIdle()

	errCh := make(chan error, 2)
	go func() {
		errCh <- f.copyHalf(upstream, client, DirectionUpstream)
	}()
	go func() {
		errCh <- f.copyHalf(client, upstream, DirectionDownstream)
	}()

	defer func() {
		var ferr *ForwardingError
		if errors.As(firstErr, &ferr) {
			f.metrics.ForwardingFailed(ferr.Direction)
		}
	}()

	result = ResultForwarded

	select {
	case firstErr = <-errCh:
		if firstErr != nil {
			result = ResultForwardingError
			closePair(pair)
			break
		}
		if f.awaitSecondHalf(ctx, pair, errCh, idle, &result, &firstErr) {
			return result, firstErr
		}
		closePair(pair)
	case <-idle:
		result = ResultIdleTimeout
		closePair(pair)
		<-errCh
	case <-ctx.Done():
		result = ResultShutdown
		closePair(pair)
		<-errCh
	}

	// Wait for the other direction to complete.
	<-errCh

	return result, firstErr
}

// awaitSecondHalf waits for the direction still open after a clean
// half-close. The grace timer restarts while that direction moves data. It
// reports true once the second direction finished and the pair is closed.
func (f *Forwarder) awaitSecondHalf(
	ctx context.Context,
	pair *Pair,
	errCh <-chan error,
	idle <-chan struct{},
	result *string,
	firstErr *error,
) bool {
	grace := time.NewTimer(f.closeGrace)
	defer grace.Stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				*firstErr = err
				*result = ResultForwardingError
			}
			closePair(pair)
			return true
		case <-grace.C:
			if quiet := pair.tracked.IdleFor(); quiet < f.closeGrace {
				grace.Reset(f.closeGrace - quiet)
				continue
			}
			f.logger.Debug("close grace expired, closing pair",
				observability.String("connection_id", pair.Inbound.ID))
			return false
		case <-idle:
			*result = ResultIdleTimeout
			return false
		case <-ctx.Done():
			*result = ResultShutdown
			return false
		}
	}
}

// copyHalf copies src to dst with a pooled buffer. A clean EOF from src is
// forwarded as a write-side close on dst.
func (f *Forwarder) copyHalf(dst, src net.Conn, direction Direction) error {
	buf := f.getBuffer()
	defer f.putBuffer(buf)

	_, err := io.CopyBuffer(dst, src, *buf)
	if err == nil {
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		return nil
	}
	if isClosedError(err) {
		return nil
	}
	return NewForwardingError(direction, err)
}

// closePair closes both sessions of a pair.
func closePair(pair *Pair) {
	_ = pair.Outbound.Conn.Close()
	_ = pair.Inbound.Conn.Close()
}
