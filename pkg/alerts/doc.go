/*
Package alerts evaluates multi-window burn-rate SLO alerts.

Every tick the evaluator loads the enabled per-model configs, orders
the windows (pages before tickets, higher burn-rate threshold first
within a severity), and for each window evaluates error rate and TTFB
independently per (provider, model, client) dimension. An alert fires
only when both the long and the short window burn at or above the
window's threshold and the dimension clears the minimum request gate
in both.

Fired alerts record a cooldown marker (15 minutes for pages, 4 hours
for tickets). Tickets additionally check the page marker for the same
dimension, so a page absorbs the slower ticket for the same breach,
which is why pages evaluate first.

Per-window failures do not stop the tick; they are aggregated into a
single error at the end. Only one tick runs at a time.

# See Also

  - pkg/analytics for the aggregate queries
  - pkg/types for the canonical window set
*/
package alerts
