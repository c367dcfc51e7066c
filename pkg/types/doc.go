/*
Package types defines the core data structures used throughout Foundry.

This package contains all fundamental types that represent Foundry's domain
model across both services: builds, build sources, events, webhook delivery
state, deployment artifacts, SLO alert configuration, and session telemetry.
These types are used by all other packages for state management, API
communication, and orchestration logic.

# Core Types

Deploy service:
  - Build: One deployment job with its status state machine
  - BuildSource: Tagged union of git clone and uploaded archive
  - SealedEnvVar / EnvVar: Encrypted-at-rest vs. in-process env vars
  - Event: Log or status-change entry in a per-build ring buffer
  - DeliveryState: Webhook retry bookkeeping
  - DeploymentFile / ArtifactBundle: Build outputs headed to the provider

Observability service:
  - ErrorRateAlertConfig / TTFBAlertConfig: Per-model SLO configuration
  - BurnRateWindow: Multi-window multi-burn-rate alert rule
  - Dimension: The (provider, model, client) triple alerts fire for
  - IngestItem: Closed union of session stream items
  - SessionMetrics: The one-shot per-session summary record

# State Machine

Builds follow a forward-only state machine:

	queued → building → deploying → deployed
	   │        │           │
	   │        │           └──────→ failed
	   │        └──→ failed | cancelled
	   └───────────→ cancelled

deployed, failed and cancelled are terminal. Cancellation is only
permitted from queued and building.

# Design Patterns

All enums are typed string constants. Tagged unions carry a
discriminator field plus one pointer body per variant; consumers read
only the body matching the discriminator and skip an item whose body
is absent. Optional timestamps are
pointers so absence round-trips through JSON.

Mutations are synchronized by owners: a Build is only written by its
orchestrator, alert configs have a single writer per mutation.

# See Also

  - pkg/storage for persistence of these types
  - pkg/orchestrator for the build state machine
  - pkg/session for ingest stream aggregation
*/
package types
