// Package dispatch fans a batch out to a stage worker and reduces the raw
// results into succeeded and failed items.
//
// The batch is split into sub-batches no larger than the stage's max batch
// size and dispatched with bounded concurrency. Each sub-batch invocation runs
// under the stage timeout; transient failures are retried with exponential
// backoff and jitter until the stage's attempt ceiling, after which the items
// fail with RetriesExhausted. Partial failures are merged item by item, and
// only the failed subset is ever retried. Every attempt appends one execution
// record.
//
// Cancellation is cooperative: once the caller's context is done no new
// sub-batch or retry is started, but invocations already in flight finish
// under their own timeout. Items never dispatched are returned as Pending.
package dispatch
