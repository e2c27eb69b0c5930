// Package queue implements the Partitioned Request Queue: a single
// in-memory queue whose partitions are keyed by types.ModelFamily. Each
// partition holds requests waiting for their family's key pool to clear
// its rate-limit lockout; a 50ms dispatch loop drains whichever partitions
// are currently unlocked, a 20s sweep kills requests that have waited past
// a 5-minute ceiling, and a wait-time estimate (the plain mean of the
// waits sampled within the last WaitWindow) is kept per partition for the
// heartbeat's synthetic "estimated wait" event.
//
// Concurrency accounting (enqueue's per-identifier cap) is scoped to time
// actually spent waiting in the queue: a slot is held from Enqueue until
// the request is dispatched (or aborted/expired) and released at that
// point, not for however long the upstream call that follows takes —
// backpressure tracks the structure the queue itself owns, not whatever a
// consumer does with a dispatched request.
package queue
