// Package api hosts the HTTP server, middleware, and REST handlers that let a
// remote map front-end drive photo overlays. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/overlays to attach an overlay at an initial viewport.
//   - POST /v1/overlays/{id}/viewport after every pan or zoom.
//   - GET /v1/overlays/{id}/photos for the photos loaded so far.
//   - GET /v1/overlays/{id}/events for the recent attach, viewport and query history.
//   - DELETE /v1/overlays/{id} to detach.
package api
