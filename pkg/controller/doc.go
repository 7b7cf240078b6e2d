// Package controller implements the per-kind reconciliation loop.
//
// One Controller instance drives one resource kind. Work arrives through
// the kind's lease queue: the dispatch ticker claims due entries, and each
// claim is an exclusive lease on its resource. The claimed resource is
// loaded, its handler is invoked under a time budget, and the handler's
// single outcome is applied:
//
//   - Transition: the lease is renewed, the new state and its history
//     entry are persisted atomically under the optimistic version check,
//     and the entry is re-queued immediately so chains of short-lived
//     states collapse into quick successive passes.
//   - Wait: nothing is persisted; the entry is re-queued one poll
//     interval out.
//   - RetryableError: identical scheduling to Wait. Repetition against
//     idempotent handlers is the only retry mechanism; there is no
//     separate retry budget or backoff curve.
//   - Fatal: persisted exactly like a Transition, but into the kind's
//     declared terminal failure state.
//
// Handler panics are recovered and downgraded to retryable errors, and a
// handler that requests an edge the state graph does not declare is
// treated the same way. A lease that cannot be renewed right before the
// persist means another instance has taken the resource over; the write
// is abandoned entirely rather than risk two writers.
//
// A second ticker sweeps all resources of the kind every poll interval
// and inserts queue entries for any that lack one. The sweep uses the
// insert-if-absent primitive so it can never pull forward a backoff that
// a Wait outcome deliberately scheduled.
package controller
