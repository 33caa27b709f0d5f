// Package api hosts the HTTP server, middleware, and REST handlers for serve
// mode. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans to queue a scan, GET /v1/scans/{scan_id}[/records|/log].
//   - POST /v1/extract for a synchronous single-URL scan.
//   - GET /v1/runs and /v1/runs/{batch_id}/retailers for progress reporting
//     via store.RunRepository.
package api
