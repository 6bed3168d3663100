// Package main hosts the commons photos service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server lets a map front-end attach an overlay at a viewport, push pan and zoom
//     events, poll the photos loaded so far, and detach. Each overlay lives in the in-memory registry
//     (internal/storage/memory) until it is deleted or the process shuts down.
//   - Fetch pipeline: every overlay owns a controller that decides, per viewport event, whether to query the
//     Commons geosearch API. At most one query per overlay is outstanding; a newer viewport cancels the older
//     query through its context. Queries from all overlays share a bounded worker pool (internal/dispatcher)
//     in front of the Colly-based fetcher and a per-host token bucket.
//   - Enrichment: rows with a jpg, jpeg or png extension that were not seen before are turned into photos with
//     thumbnail, image and page URLs. Upload paths are sharded by the MD5 digest of the file name.
//   - Events: attach, viewport and query milestones flow through a batching hub (internal/progress) to a log
//     sink, Prometheus collectors and a per-overlay history served at /v1/overlays/{id}/events.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler; OpenTelemetry spans
//     wrap inbound requests and outbound geosearch calls when telemetry.tracing_enabled is set.
//
// Quick checklist:
//   - Configure env vars: COMMONS_SERVER_PORT, COMMONS_OVERLAY_MIN_ZOOM, COMMONS_COMMONS_API_URL,
//     COMMONS_RATELIMIT_REQUESTS_PER_SECOND, COMMONS_HTTP_USER_AGENT (Wikimedia asks for a contact URL).
//   - Run locally: go run ./cmd/commonsphotos -config config.yaml (or rely solely on env overrides).
//   - SIGINT/SIGTERM stop the listener, detach every overlay and cancel its queries, then stop the worker
//     pool and flush pending events.
package main
