// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/permits for request submission.
//   - GET /v1/permits/{request_id}/events for live progress via SSE.
//   - GET /v1/permits/{request_id}/result and .../document for outcomes.
//   - POST /v1/permits/{request_id}/cancel to abort in-flight items.
package api
