// Package proxy implements the sidecar data path: it terminates inbound
// mTLS, originates a dedicated outbound mTLS session per client and relays
// traffic between the two.
//
// # Pipeline
//
// Every connection goes through the same steps on its own goroutine:
//
//	accept -> inbound handshake -> dial -> outbound handshake -> forward -> teardown
//
// The Acceptor owns the listening socket and applies admission control
// (connection limit and optional accept rate). The Connector dials the
// upstream behind a circuit breaker and verifies its certificate. The
// Forwarder relays traffic, either per HTTP/2 stream (the default) or as raw
// bytes when both sides negotiated the same protocol.
//
// A client that fails the inbound handshake never causes an upstream dial.
// When the upstream cannot be reached the client gets a 502 and a GOAWAY in
// stream mode and a reset otherwise.
//
// # Usage
//
//	engine, err := proxy.New(proxy.NewConfig(cfg), serverCtx, clientCtx,
//	    proxy.WithLogger(logger),
//	    proxy.WithMetrics(proxy.NewMetrics("sidecar", proxy.WithRegistry(reg))),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	go func() { errCh <- engine.Serve(ctx) }()
//	...
//	_ = engine.Stop(shutdownCtx)
//
// # Shutdown
//
// Stop closes the listener, sends GOAWAY on stream-mode connections and
// waits up to the shutdown grace period before force-closing every tracked
// connection.
package proxy
