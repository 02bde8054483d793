package shard

import (
	"sync"
	"time"
)

// Sleep returns a Future that resolves after d elapses, via the shard's
// timer wheel. It has no cancellation point; use SleepAbortable to make a
// sleep interruptible.
func Sleep(s *Shard, d time.Duration) Future[struct{}] {
	p, f := NewPromise[struct{}](s)
	s.ArmTimer(d, func() {
		p.SetValue(struct{}{})
	})
	return f
}

// SleepAbortable returns a Future that resolves after d elapses, or fails
// with the source's abort reason (ErrSleepAborted by default) if src fires
// first, whichever happens first. The package's own timeouts
// (Semaphore.AcquireTimeout, GateCloseWithTimeout) arm their own timers
// and do not use it.
func SleepAbortable(s *Shard, d time.Duration, src *AbortSource) Future[struct{}] {
	p, f := NewPromise[struct{}](s)

	var (
		mu     sync.Mutex
		fired  bool
		timer  TimerHandle
		sub    *Subscription
	)

	timer = s.ArmTimer(d, func() {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		p.SetValue(struct{}{})
	})

	sub = src.Subscribe(func(reason error) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		s.CancelTimer(timer)
		p.SetException(reason)
	})

	return f
}
