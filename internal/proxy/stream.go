package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
)

// forwardStreams serves HTTP/2 on the inbound session and replays every
// inbound stream as one stream on a dedicated client connection over the
// outbound session.
func (f *Forwarder) forwardStreams(ctx context.Context, pair *Pair) (string, error) {
	client := NewCountingConn(pair.Inbound.Conn, pair.tracked)
	upstream := newActivityConn(pair.Outbound.Conn, pair.tracked)

	transport := &http2.Transport{
		DisableCompression:         true,
		StrictMaxConcurrentStreams: true,
	}
	cc, err := transport.NewClientConn(upstream)
	if err != nil {
		closePair(pair)
		f.metrics.ForwardingFailed(DirectionUpstream)
		return ResultForwardingError, NewForwardingError(DirectionUpstream, err)
	}
	defer func() { _ = cc.Close() }()

	streamCtx, cancel := context.WithCancel(observability.ContextWithConnectionID(ctx, pair.Inbound.ID))
	defer cancel()

	group := &streamGroup{}
	handler := observability.StreamSpans(f.tracer, &streamHandler{
		forwarder: f,
		cc:        cc,
		upstream:  upstream,
		group:     group,
	})

	errorLog := newErrorLog(f.logger.With(observability.String("connection_id", pair.Inbound.ID)))
	hs := &http.Server{Handler: handler, ErrorLog: errorLog}
	h2 := &http2.Server{MaxConcurrentStreams: f.maxConcurrentStreams}
	if err := http2.ConfigureServer(hs, h2); err != nil {
		closePair(pair)
		return ResultForwardingError, NewForwardingError(DirectionDownstream, err)
	}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		h2.ServeConn(client, &http2.ServeConnOpts{
			Context:    streamCtx,
			BaseConfig: hs,
			Handler:    handler,
		})
	}()

	idle, stopIdle := f.watchIdle(pair.tracked)
	defer stopIdle()

	result := ResultForwarded
	select {
	case <-serveDone:
	case <-upstream.Done():
		// Upstream went away; stop taking new streams and let the client
		// see the GOAWAY within close grace.
		f.goAway(hs)
		f.waitServe(serveDone, f.closeGrace)
	case <-pair.drain:
		result = ResultShutdown
		f.goAway(hs)
		select {
		case <-serveDone:
		case <-ctx.Done():
		}
	case <-idle:
		result = ResultIdleTimeout
	case <-ctx.Done():
		result = ResultShutdown
	}

	closePair(pair)
	<-serveDone
	cancel()
	group.closeAndWait()

	return result, nil
}

// goAway starts a graceful HTTP/2 shutdown of the inbound connection.
func (f *Forwarder) goAway(hs *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), f.closeGrace)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		f.logger.Debug("inbound shutdown", observability.Error(err))
	}
}

func (f *Forwarder) waitServe(serveDone <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-serveDone:
	case <-timer.C:
	}
}

// streamGroup tracks running stream handlers. Once closed it admits no new
// handler, so nothing touches the pair after forwardStreams returns.
type streamGroup struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *streamGroup) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *streamGroup) leave() {
	g.wg.Done()
}

func (g *streamGroup) closeAndWait() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// streamHandler replays one inbound stream upstream.
type streamHandler struct {
	forwarder *Forwarder
	cc        *http2.ClientConn
	upstream  *CountingConn
	group     *streamGroup
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.group.enter() {
		panic(http.ErrAbortHandler)
	}
	defer h.group.leave()

	f := h.forwarder
	start := time.Now()
	ctx := r.Context()

	outreq := r.Clone(ctx)
	outreq.RequestURI = ""
	outreq.URL.Scheme = "https"
	outreq.URL.Host = r.Host
	// Shared so trailers the server fills in after the body reach the transport.
	outreq.Trailer = r.Trailer
	if r.ContentLength == 0 {
		outreq.Body = nil
	}
	if f.tracer.Enabled() {
		observability.InjectTraceContext(ctx, outreq)
	}

	resp, err := h.cc.RoundTrip(outreq)
	if err != nil {
		if ctx.Err() != nil {
			// Client reset the stream.
			panic(http.ErrAbortHandler)
		}
		f.metrics.ForwardingFailed(DirectionUpstream)
		f.logger.WithContext(ctx).Warn("upstream stream failed",
			observability.String("method", r.Method),
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
		status := "http_protocol_error"
		select {
		case <-h.upstream.Done():
			status = "connection_terminated"
		default:
		}
		writeBadGateway(w, status, false)
		f.metrics.StreamCompleted(http.StatusBadGateway, time.Since(start))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = vv
	}
	w.WriteHeader(resp.StatusCode)

	if err := f.copyResponseBody(w, resp.Body); err != nil {
		if ctx.Err() == nil {
			f.metrics.ForwardingFailed(DirectionDownstream)
			f.logger.WithContext(ctx).Warn("response body copy failed",
				observability.String("path", r.URL.Path),
				observability.Error(err),
			)
		}
		f.metrics.StreamCompleted(resp.StatusCode, time.Since(start))
		panic(http.ErrAbortHandler)
	}

	for k, vv := range resp.Trailer {
		header[http.TrailerPrefix+k] = vv
	}
	f.metrics.StreamCompleted(resp.StatusCode, time.Since(start))
}

// copyResponseBody streams body to w, flushing after every chunk so
// long-lived streams see data as soon as the upstream sends it.
func (f *Forwarder) copyResponseBody(w http.ResponseWriter, body io.Reader) error {
	buf := f.getBuffer()
	defer f.putBuffer(buf)

	rc := http.NewResponseController(w)
	for {
		n, rerr := body.Read(*buf)
		if n > 0 {
			if _, werr := w.Write((*buf)[:n]); werr != nil {
				return NewForwardingError(DirectionDownstream, werr)
			}
			if err := rc.Flush(); err != nil {
				return NewForwardingError(DirectionDownstream, err)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return NewForwardingError(DirectionDownstream, rerr)
		}
	}
}

// writeBadGateway answers a stream with 502 and a Proxy-Status naming the
// failure. With closeConn set the connection is shut down after the
// response (GOAWAY).
func writeBadGateway(w http.ResponseWriter, errorType string, closeConn bool) {
	header := w.Header()
	header.Set("Proxy-Status", fmt.Sprintf("%s; error=%s", proxyStatusName, errorType))
	header.Set("Content-Type", "text/plain; charset=utf-8")
	if closeConn {
		header.Set("Connection", "close")
	}
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, http.StatusText(http.StatusBadGateway)+"\n")
}

// errorLogWriter routes net/http error logging to the proxy logger.
type errorLogWriter struct {
	logger observability.Logger
}

func (e errorLogWriter) Write(p []byte) (int, error) {
	e.logger.Debug("http2", observability.String("message", strings.TrimSpace(string(p))))
	return len(p), nil
}

func newErrorLog(logger observability.Logger) *log.Logger {
	return log.New(errorLogWriter{logger: logger}, "", 0)
}
