/*
Package session aggregates per-session telemetry streams.

One Aggregator per session folds an append-only stream of items
(session timestamps, platform metadata, user/assistant messages, tool
and compaction parts, open/close markers) into a single
SessionMetrics record, emitted exactly once when the session closes
or goes quiet.

# Emission

Emission is guarded by a persisted one-shot marker: re-entering with
the marker set is a no-op. v≥1 clients drive the alarm explicitly
(session_open arms the 5-minute inactivity timeout and reopens an
emitted session; session_close arms a 5-second drain); v0 clients
reset the inactivity timeout on every ingest. The alarm is always
deleted after emission.

# Aggregation Notes

The stuck-tool detector counts finished tool calls by a canonical
(tool, input) signature; any signature reaching three identical calls
contributes its count. Token totals, cost, error counts, turn and
step counts all sum from the stream. A session_close carried by a
batch declaring ingestVersion 0 is honored as a close; the explicit
signal wins over the declared dialect.

# See Also

  - pkg/analytics for where emitted records land
  - pkg/alarm for the inactivity/drain scheduling
*/
package session
