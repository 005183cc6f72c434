// Package api hosts the operations HTTP server shared by both workers:
//   - GET /healthz for liveness probes.
//   - GET /readyz, which fails until the worker finished its setup.
//   - GET /metrics for Prometheus scraping.
package api
