// Package api hosts the operational HTTP server of the serve command.
// Routes:
//   - GET /healthz for liveness probes.
//   - GET /readyz runs the configured dependency checks.
//   - GET /metrics for Prometheus scraping.
package api
