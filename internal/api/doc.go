// Package api hosts the HTTP server, middleware, and REST handlers for
// operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/exports to start an export, GET /v1/exports for completed
//     exports and GET /v1/exports/{export_id}/download for their records.
//   - GET /v1/exports/status and /v1/exports/{export_id}/status for progress.
//   - GET and POST /v1/webhooks to read and change the notification targets.
package api
