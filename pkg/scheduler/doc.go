/*
Package scheduler dispatches scheduled zome functions.

A scheduled function has the shape (Schedule) -> Option<Schedule>: each
firing may reschedule itself, switch cadence, or return nothing to stop.
Persisted(cron) registrations are durable — the owning cell re-registers
them from its store at startup — while Ephemeral(duration) timers die with
the process. Scheduled functions are infallible: failures are logged and
the schedule dropped or retried, never propagated.
*/
package scheduler
