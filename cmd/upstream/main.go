// Package main is a demo upstream for the sidecar: an mTLS HTTP/2 server
// that answers every request with a fixed greeting.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"

	"github.com/vyrodovalexey/avasidecar/internal/observability"
	tlspkg "github.com/vyrodovalexey/avasidecar/internal/tls"
)

// greeting is the body of every response.
const greeting = "Hello from upstream"

type upstreamFlags struct {
	listen   string
	caFile   string
	certFile string
	keyFile  string
	logLevel string
}

func main() {
	cmd := newCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	flags := &upstreamFlags{}

	cmd := &cobra.Command{
		Use:           "upstream",
		Short:         "Demo mTLS HTTP/2 upstream for the sidecar",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, flags, nil)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.listen, "listen", "127.0.0.1:9443", "Address to listen on")
	fs.StringVar(&flags.caFile, "ca-file", "certs/ca.crt", "CA bundle client certificates must chain to")
	fs.StringVar(&flags.certFile, "cert", "certs/upstream.crt", "Server certificate")
	fs.StringVar(&flags.keyFile, "key", "certs/upstream.key", "Server private key")
	fs.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

// run serves until ctx is cancelled. If ready is not nil the bound address
// is sent on it once the listener is up.
func run(ctx context.Context, flags *upstreamFlags, ready chan<- net.Addr) error {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: "json",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	material, err := tlspkg.LoadServerMaterial(flags.caFile, flags.certFile, flags.keyFile,
		tlspkg.WithStoreLogger(logger))
	if err != nil {
		return err
	}
	server, err := tlspkg.NewServerContext(material, tlspkg.DefaultPolicy())
	if err != nil {
		return err
	}

	hs := &http.Server{
		Handler:           greetingHandler(logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := http2.ConfigureServer(hs, &http2.Server{}); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", flags.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", flags.listen, err)
	}
	logger.Info("upstream listening", observability.String("address", ln.Addr().String()))
	if ready != nil {
		ready <- ln.Addr()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- hs.Serve(tls.NewListener(ln, server.Config()))
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("upstream stopped")
	return nil
}

func greetingHandler(logger observability.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var subject string
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			subject = r.TLS.PeerCertificates[0].Subject.String()
		}
		logger.Debug("request",
			observability.String("method", r.Method),
			observability.String("path", r.URL.Path),
			observability.String("proto", r.Proto),
			observability.String("peer_subject", subject),
		)

		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, greeting)
	})
}
