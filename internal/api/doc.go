// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for queue depths, reset state and per-bin fairness counters.
//   - GET, POST /v1/jobs and POST /v1/jobs/{id}/start|stop|delete for job control.
//   - GET /v1/history for recorded connector activity.
package api
