/*
Package deploy pushes built bundles to the CDN provider.

A deployment runs in three stages: secrets first (parallel batches of
PUTs, with a minimal draft worker deployed when the script does not
exist yet), then static assets through the content-addressed upload
session protocol, then the worker script itself with metadata,
bindings and artifact files in one multipart PUT.

# Asset Upload Protocol

Every asset is addressed by the first 32 hex characters of its
SHA-256. The manifest (path → hash+size) opens an upload session; the
provider answers with the buckets of hashes it is missing. An empty
bucket list means everything deduplicated and the session token is the
completion token directly. Otherwise each bucket is posted as one
base64 multipart batch; the final batch answers 201 with the
completion token the worker metadata references.

# Error Handling

Transient provider failures (HTTP 5xx) retry under the shared backoff
schedule: 1s base doubling, 30s cap, three attempts. Two permanent
errors get dedicated handling: worker-not-found (10007) on secrets
triggers the draft-worker fallback, and a durable-object class
collision (10074) on deploy filters the colliding class out of the
migrations and retries once. Everything else propagates after one
attempt.

# See Also

  - pkg/orchestrator for the artifact bundle handed in
  - pkg/retry for the backoff schedule
*/
package deploy
