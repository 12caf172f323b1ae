// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/v1/runs and /api/v1/runs/{run_id}/... for driving crawl runs.
//   - GET /api/v1/modes for the supported mode presets.
package api
