// Package main hosts the exporter service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts export requests, reports progress, lists completed exports, serves
//     downloads and stores the webhook endpoints.
//   - Orchestration: internal/orchestrator turns one export into a discover task, one unit task per results page and
//     a final notify task. Every task runs on the dispatcher's worker pool with jittered retries.
//   - Sources: pages are driven through a headless browser (internal/extract/registry) and each record's parties are
//     looked up on the PJe consultation site (internal/lookup/pje) behind a per-host rate limiter.
//   - Persistence: unit artifacts go to the configured BlobStore (memory/local/GCS). Bookkeeping lives in Postgres
//     when a DSN is configured, otherwise in memory. The task queue is in-memory or Redis.
//   - Completion: the pool hooks and a cron-driven reconciler both check completion, and only the caller that flips
//     the notified flag delivers the webhooks and the Pub/Sub event.
//
// Quick checklist:
//   - Configure env vars: EXPORTER_SERVER_PORT, EXPORTER_POOL_CONCURRENCY, EXPORTER_STORAGE_BACKEND,
//     EXPORTER_DATABASE_DSN, EXPORTER_QUEUE_BACKEND, EXPORTER_PUBSUB_PROJECT_ID and EXPORTER_PUBSUB_TOPIC_NAME.
//   - Run locally: go run ./cmd/exporter serve --config config.yaml
//   - Apply the schema ahead of a rollout: go run ./cmd/exporter migrate --config config.yaml
package main
