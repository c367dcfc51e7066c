/*
Package webhook delivers build events to the backend in batches.

One Deliverer per build drains that build's event buffer to a single
backend URL with at-least-once semantics. Appends schedule a flush via
the build's alarm: a full batch flushes after ~50ms, a partial batch
after the batch window, and a failed batch after an exponentially
growing backoff (absolute deadlines, so restarts do not stretch the
schedule). The delivery cursor only advances on a 2xx response, which
is what makes the event store's trim safe.

Once the consecutive-failure count exceeds StopAfterAttempts (that is,
after StopAfterAttempts+1 failed posts), delivery stops permanently
for the build; later events accumulate in the buffer
(subject to its trim safety) but are not re-attempted.

# Delivery Guarantees

  - Events are posted in strictly increasing id order, never re-ordered
  - An event is only trimmed once the cursor passed it, so nothing is
    dropped before the backend durably acknowledged it
  - A batch may be re-posted after an acknowledged-but-unrecorded
    response; the backend must tolerate duplicates

# See Also

  - pkg/events for the buffer and the Events Manager that owns this
  - pkg/alarm for the wakeup primitive
*/
package webhook
