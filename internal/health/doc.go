// Package health provides health check and readiness probe endpoints
// for the sidecar.
//
// The readiness probe aggregates registered checks: the proxy listener,
// the upstream circuit breaker, certificate expiry and optional upstream
// reachability. A draining sidecar is always unready.
//
// # Usage
//
//	checker := health.NewChecker(version)
//	checker.RegisterCheck("listener", health.ListenerCheck(engine.Serving))
//
//	mux := http.NewServeMux()
//	checker.Register(mux)
package health
