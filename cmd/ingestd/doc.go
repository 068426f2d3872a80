// Package main hosts the ingestd entrypoint.
//
// Architecture overview:
//   - Intake: internal/api exposes POST /upload (form) and POST /v1/submissions (JSON). Both call the
//     intake Coordinator, which validates the batch, filters URLs already recorded for the consumer in one
//     store round trip, and inserts the rest as pending records in a single transaction. Keys a concurrent
//     submission inserted first are reported as skipped rather than failing the batch.
//   - Dispatch: only after commit, one task per created record is enqueued on the transport (memory, Redis
//     list pair, or Pub/Sub). Enqueue failures leave records pending; operators recover them with the
//     redispatch route or command.
//   - Workers: each worker claims a record with an atomic pending to processing transition, so duplicate
//     deliveries are no-ops. The fetch/extract/embed pipeline then moves it to completed or failed, and an
//     optional completion event is published to Pub/Sub.
//   - Reconciliation: records stranded in processing past reconcile.stale_after are reset to pending and
//     dispatched again, either on the in-process cron schedule, the /v1/reconcile route, or the sweep command.
//   - Plumbing: Viper loads config from file and INGEST_* variables; zap provides structured logging;
//     Prometheus collectors are served on /metrics; OpenTelemetry propagates trace context across the queue.
//
// Quick checklist:
//   - Single process: ingestd serve (memory transport and store; workers run in-process).
//   - Durable: set db.dsn (and db.migrate or run ingestd migrate up), transport.kind=redis or pubsub,
//     then run ingestd serve plus one or more ingestd work processes.
//   - Scheduled recovery: set reconcile.schedule (for example "@every 5m") or run ingestd sweep from cron.
package main
