/*
Package api is the HTTP ingress for both Foundry services.

The deploy service exposes the build lifecycle: POST /deploy (git) and
POST /deploy-archive (uploaded bytes) start builds, GET status/events
poll them, DELETE cancels a build or removes a deployed worker. The
observability service exposes telemetry ingest: POST
/ingest/api-metrics writes one per-request data point and forwards it
to the stream, POST /ingest/session fans stream items into the
per-session aggregators.

Both route trees are chi routers sharing the bearer-auth middleware
(401 {"error":"Unauthorized"} on mismatch, constant-time compare),
request metrics, and unauthenticated /healthz and /metrics endpoints.
Request bodies are schema-validated once here; everything past the
handler works with typed values.
*/
package api
