/*
Package orchestrator runs the per-build state machine.

Each build is owned by exactly one Orchestrator, resolved through the
Registry. A build moves queued → building → deploying → deployed, with
failed and cancelled as terminal exits. The run loop acquires an
executor sandbox, acquires sources (git clone or uploaded archive),
detects the project type, runs the per-type build pipeline with
decrypted env vars, optionally migrates the database, reads the
artifact bundle back, and hands it to the deployment client.

# State Machine

	queued   --start-->  queued      (persist, init events, arm alarm)
	queued   --alarm-->  building    (enter run loop)
	building --ok----->  deploying
	deploying--ok----->  deployed    (terminal)
	pre-deploy --error-> failed      (terminal)
	queued|building --cancel--> cancelled (terminal)

Cancel is only honored from queued and building; it destroys the
sandbox best-effort and the run loop stands down at its next
suspension point.

# Secret Hygiene

The access token and sealed env vars move out of persisted state into
run-loop locals before any work happens, and every terminal path
clears them again along with the archive buffer. All outward log
lines, including streamed command output, pass through a redactor
that replaces the token with [REDACTED].

# Concurrency

Public operations serialize on the instance mutex; the run loop holds
it only across state transitions so Cancel and Status interleave at
suspension points. Across builds, orchestrators run in parallel.

# See Also

  - pkg/events for the per-build event buffer appends land in
  - pkg/executor for the sandbox the pipeline drives
  - pkg/deploy for the provider hand-off
*/
package orchestrator
