// Package main hosts the harvester entrypoint.
//
// One invocation is one run: the binary loads configuration, collects new
// records from the listing (unless -resume or harvest.resume_only is set),
// resolves and downloads every pending record, prints the run summary as
// JSON and exits.
//
// Architecture overview:
//   - Navigation: a single session (headless Chrome through chromedp, a
//     colly-backed static session, or an in-memory session) is owned by the
//     pipeline. Listing traversal and detail/format resolution run serially
//     on it.
//   - Downloads: resolved artifacts are fetched by a bounded errgroup pool
//     over net/http with the session's cookies and user agent, paced per host
//     and verified by PDF signature before they are kept.
//   - Persistence: records live in Postgres (or memory for dry runs); the
//     store enforces exactly-once storage by identifier, fingerprint or
//     title. Verified files can be mirrored to GCS and announced on Pub/Sub.
//   - Observability: zap logs, Prometheus metrics, a progress hub with log
//     and metric sinks, and an optional status server (server.enabled).
//
// Quick checklist:
//   - Configure env vars with the HARVESTER_ prefix, for example
//     HARVESTER_DB_DRIVER=postgres, HARVESTER_DB_DSN=..., HARVESTER_SESSION_DRIVER=static.
//   - Run locally: go run ./cmd/harvester -config config.yaml
//   - SIGINT/SIGTERM stop the run at the next record boundary; unfinished
//     records stay pending.
package main
