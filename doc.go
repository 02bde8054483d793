// Package shard implements a thread-per-core cooperative execution core: a
// run loop, a Future/Promise pair with single-continuation semantics, the
// combinator library built on top of them, and the supporting primitives
// (scheduling groups, gates, shared mutexes, abort sources, abortable
// sleep, a thread-context for blocking calls).
//
// # Architecture
//
// A Shard owns exactly one run loop, pinned to a single goroutine for its
// lifetime via runtime.LockOSThread: tasks it runs never preempt one
// another mid-step, so two tasks scheduled on the same Shard never need a
// mutex to coordinate with each other. Work reaches a Shard either from
// inside that goroutine (Schedule, called while already running on it) or
// from any other goroutine (also Schedule, which detects the case and
// routes through a lock-free inbound queue plus a wake-up). Blocking on a
// Future's outcome from outside a thread context is a programmer error,
// reported as ErrUseOutsideThreadContext rather than deadlocking the run
// loop; see RunInThreadContext.
//
// Work is partitioned into ScheduleGroups, each with a share weight: the
// run loop picks among non-empty groups with a deficit-round-robin
// selector so an expensive background workload can't starve latency
// sensitive work sharing the same Shard. There is no true preemption -
// NeedPreempt only ever reports that a task has run long enough that it
// should voluntarily yield at its next opportunity.
//
// # Thread safety
//
// Shard.Schedule, ArmTimer, CancelTimer, RegisterFD/UnregisterFD/ModifyFD,
// and every exported method on Gate, Semaphore, SharedMutex and
// AbortSource are safe to call from any goroutine. A Future's single
// continuation, once attached, runs on its owning Shard's run-loop
// goroutine (or directly on the scheduling goroutine once the Shard has
// terminated), scheduled against the ScheduleGroup that was current when
// the Future was created; the group current when the continuation is
// attached is not used.
//
// # I/O readiness
//
// A Shard treats its I/O multiplexer as an opaque collaborator: RegisterFD
// lets external code park a callback behind a file descriptor becoming
// ready, and the run loop folds a bounded wait for readiness into the same
// step it uses to wait for the next timer. The only backing implementation
// shipped here is epoll (poller_linux.go); ports to other platforms are
// out of scope.
package shard
