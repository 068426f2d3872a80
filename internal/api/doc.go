// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the record store.
//   - GET /metrics for Prometheus scraping.
//   - POST /upload (form) and POST /v1/submissions (JSON) for intake.
//   - GET /v1/consumers/{consumer}/pending and POST .../redispatch for pending work.
//   - GET /v1/resources/stale and POST /v1/reconcile for stranded records.
package api
