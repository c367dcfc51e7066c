/*
Package events maintains the per-build event buffer and its delivery.

Each build owns one EventStore: a bounded ring buffer of log and
status-change events with contiguous ids starting at 0 and a persisted
delivery cursor (lastProcessedId). Trimming is delivery-aware: the
buffer only sheds entries the webhook backend has acknowledged, and
may exceed its soft cap while everything is still pending.

The Manager ties one build's EventStore to its webhook Deliverer:
every append schedules a flush, so observers polling the build see a
status-change event as soon as the transition call returns, and the
backend receives batches shortly after.

The Stream is the observability service's in-process fan-out of
ingested telemetry, the second sink next to the analytics write.

# Invariants

  - Event ids within a build increase by exactly 1
  - The buffer holds a contiguous suffix of the build's history
  - No event with id > lastProcessedId is ever trimmed
  - A storage failure during append leaves the buffer unchanged

# See Also

  - pkg/webhook for batch delivery and backoff
  - pkg/storage for the persisted representation
*/
package events
