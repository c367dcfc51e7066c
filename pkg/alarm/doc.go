/*
Package alarm provides a persisted absolute-deadline scheduler.

Each actor (build orchestrator, webhook deliverer, session aggregator)
owns at most one pending alarm, addressed by a "<namespace>/<id>" key.
Deadlines are absolute epoch milliseconds so a resumed process computes
"overdue" correctly regardless of wall-clock drift during downtime;
overdue alarms fire immediately on Rehydrate.

The Alarm interface (Get/Set/Delete) is the platform-neutral capability
handed to component logic; the Scheduler is the process-level
implementation multiplexing persisted deadlines onto timers. Handlers
are registered per namespace before Rehydrate and run on timer
goroutines, so they must hand off to the owning actor's own
synchronization.
*/
package alarm
