// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/channels, /v1/videos and /v1/domains to grow the graph.
//   - POST /v1/videos/{id}/scan, /scan-known-bots and /detect-bots to mine
//     comment sections.
//   - POST /v1/channels/recrawl and /v1/domains/discover-sinks for batch passes
//     that report every item's outcome.
package api
