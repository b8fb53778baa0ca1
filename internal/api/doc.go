// Package api hosts the status HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/records?status=&limit= to inspect stored records and their last error.
//   - GET /v1/summary for the latest run summary.
package api
