// Package engine implements the jail workflow engine: multi-step jail
// operations (clone, migrate, promote, destroy, rename, start, stop)
// expressed as lazy event streams with per-step compensating rollback.
//
// A workflow is a Stream, a pull-based sequence of *Event transitions.
// Pulling the next event performs the work leading up to it, so production
// and consumption interleave and the consumer sees a faithful, ordered
// progress narrative whether the workflow succeeds or fails. Risky steps
// register rollback actions before executing; on failure everything
// registered so far unwinds in reverse order, and the rollback itself is
// streamed as sub-events.
//
// The external storage backend has no multi-step transactions. The engine
// makes workflows behave atomically from the caller's point of view by
// composing the dataset orchestrator (pkg/zfs) with the event model in this
// package; the final verdict of a workflow is binary even though the caller
// watched every intermediate step.
package engine
