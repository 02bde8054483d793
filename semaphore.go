package shard

import (
	"sync"
	"time"
)

// Semaphore is a weighted counting semaphore: Acquire(n) waits for n units
// to become available, Release(n) gives them back. Waiters are granted in
// FIFO order, and a request for more units than the semaphore's capacity
// can ever hold fails immediately rather than queuing forever. Grounded on
// Seastar's basic_semaphore, generalized to the Future-returning style used
// throughout this package rather than a coroutine/continuation split.
type Semaphore struct {
	shard *Shard

	mu        sync.Mutex
	capacity  int64
	available int64
	broken    bool
	brokenErr error
	waiters   []*semWaiter
}

type semWaiter struct {
	n       int64
	p       Promise[struct{}]
	hasDL   bool
	timer   TimerHandle
	removed bool
}

// NewSemaphore creates a Semaphore scheduled against s with the given
// initial unit count.
func NewSemaphore(s *Shard, units int64) *Semaphore {
	if units < 0 {
		units = 0
	}
	return &Semaphore{shard: s, capacity: units, available: units}
}

// AvailableUnits returns the number of units currently available to grant,
// without affecting any waiter.
func (sem *Semaphore) AvailableUnits() int64 {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	return sem.available
}

// Acquire returns a Future that resolves once n units are available, with
// no deadline: the caller waits as long as it takes. Acquiring more units
// than the semaphore was constructed with fails immediately with
// ErrSemaphoreBroken, since no sequence of Releases could ever satisfy it.
func (sem *Semaphore) Acquire(n int64) Future[struct{}] {
	return sem.acquire(n, false, 0)
}

// AcquireTimeout is Acquire with a deadline: if n units are not granted
// within d, the returned Future fails with ErrSemaphoreTimedOut and the
// request is removed from the waiter queue.
func (sem *Semaphore) AcquireTimeout(n int64, d time.Duration) Future[struct{}] {
	return sem.acquire(n, true, d)
}

func (sem *Semaphore) acquire(n int64, hasDL bool, d time.Duration) Future[struct{}] {
	if n < 0 {
		panic("shard: Semaphore.Acquire with negative weight")
	}

	sem.mu.Lock()
	if sem.broken {
		err := sem.brokenErr
		sem.mu.Unlock()
		return MakeExceptionFuture[struct{}](sem.shard, err)
	}
	if n > sem.capacity {
		sem.mu.Unlock()
		return MakeExceptionFuture[struct{}](sem.shard, ErrSemaphoreBroken)
	}
	if len(sem.waiters) == 0 && n <= sem.available {
		sem.available -= n
		sem.mu.Unlock()
		return MakeReadyFuture(sem.shard, struct{}{})
	}

	p, f := NewPromise[struct{}](sem.shard)
	w := &semWaiter{n: n, p: p, hasDL: hasDL}
	sem.waiters = append(sem.waiters, w)
	if hasDL {
		w.timer = sem.shard.ArmTimer(d, func() { sem.timeoutWaiter(w) })
	}
	sem.mu.Unlock()

	return f
}

// timeoutWaiter runs on the owning shard when a deadline armed by
// AcquireTimeout fires before the waiter it belongs to was granted.
func (sem *Semaphore) timeoutWaiter(w *semWaiter) {
	sem.mu.Lock()
	if w.removed {
		sem.mu.Unlock()
		return
	}
	w.removed = true
	for i, ww := range sem.waiters {
		if ww == w {
			sem.waiters = append(sem.waiters[:i], sem.waiters[i+1:]...)
			break
		}
	}
	sem.mu.Unlock()

	w.p.SetException(ErrSemaphoreTimedOut)
}

// Release returns n units to the semaphore, then grants them (in FIFO
// order) to as many queued waiters as they will satisfy.
func (sem *Semaphore) Release(n int64) {
	if n < 0 {
		panic("shard: Semaphore.Release with negative weight")
	}

	sem.mu.Lock()
	if sem.broken {
		sem.mu.Unlock()
		return
	}
	sem.available += n
	if sem.available > sem.capacity {
		sem.available = sem.capacity
	}

	var granted []*semWaiter
	for len(sem.waiters) > 0 {
		w := sem.waiters[0]
		if w.n > sem.available {
			break
		}
		sem.available -= w.n
		w.removed = true
		granted = append(granted, w)
		sem.waiters = sem.waiters[1:]
	}
	sem.mu.Unlock()

	for _, w := range granted {
		if w.hasDL {
			sem.shard.CancelTimer(w.timer)
		}
		w.p.SetValue(struct{}{})
	}
}

// Broken permanently fails the semaphore: every currently queued waiter,
// and every future Acquire/AcquireTimeout, fails with err (or
// ErrSemaphoreBroken if err is nil). Used to unblock waiters when whatever
// resource the semaphore was guarding has gone away.
func (sem *Semaphore) Broken(err error) {
	if err == nil {
		err = ErrSemaphoreBroken
	}

	sem.mu.Lock()
	if sem.broken {
		sem.mu.Unlock()
		return
	}
	sem.broken = true
	sem.brokenErr = err
	waiters := sem.waiters
	sem.waiters = nil
	sem.mu.Unlock()

	for _, w := range waiters {
		w.removed = true
		if w.hasDL {
			sem.shard.CancelTimer(w.timer)
		}
		w.p.SetException(err)
	}
}
