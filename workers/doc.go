// Package workers provides the per-destination worker queues of the bus.
//
// A LightweightQueue keeps pending envelopes in memory and dispatches them to a
// Pipeline with at most ListenerSettings.Parallelism() invocations in flight.
// With a parallelism of one, envelopes are processed one at a time in the order
// they were enqueued. Delayed envelopes wait in a separate time-ordered set and
// join the pending FIFO once due.
//
// A DurableQueue persists every envelope before it becomes visible to the
// dispatcher, and reloads the unhandled ones on Recover.
package workers
