/*
Package storage provides durable state persistence for Foundry using BoltDB.

The storage package defines the Store interface and its BoltDB-backed
implementation. Both services share one database file: the deploy service
persists builds, per-build event buffers, webhook delivery bookkeeping, and
transient archive uploads; the observability service persists alert
configuration, session aggregator snapshots, one-shot emission markers, and
alarm deadlines.

# Layout

One bucket per record family, keyed by the owning entity id:

	builds            buildID  → Build (JSON)
	events            buildID  → []Event (JSON)
	last_processed    buildID  → int64 (big-endian)
	delivery_state    buildID  → DeliveryState (JSON)
	archives          buildID  → raw archive bytes (transient)
	alerts_error_rate model    → ErrorRateAlertConfig (JSON)
	alerts_ttfb       model    → TTFBAlertConfig (JSON)
	session_state     sessionID → aggregator snapshot (opaque bytes)
	session_emitted   sessionID → one-shot marker
	alarms            owner key → epoch ms deadline (big-endian)

# Failure Semantics

Writes are transactional; a failed write leaves the previous value intact and
surfaces the error to the caller. Corrupted persisted entries are skipped
best-effort on read and logged, never fatal. Missing optional records return
zero values (empty event buffer, lastProcessedId −1, zero DeliveryState);
missing required records return ErrNotFound.

# Thread Safety

BoltDB serializes writers internally; all Store methods are safe for
concurrent use from multiple actors.

# See Also

  - pkg/events for the delivery-aware buffer maintained on top of this store
  - pkg/alarm for the deadline scheduler persisted in the alarms bucket
*/
package storage
