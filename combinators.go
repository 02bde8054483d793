package shard

import "sync"

// StopIteration is the result of one iteration of Repeat, directing
// whether the loop should continue (StopNo) or resolve (StopYes).
type StopIteration bool

const (
	StopNo  StopIteration = false
	StopYes StopIteration = true
)

// Option is a value that may or may not be present, used by
// RepeatUntilValue's action to signal "keep looping" (None) versus "stop
// here, with this result" (Some).
type Option[T any] struct {
	Some  bool
	Value T
}

// Some wraps v as a present Option.
func Some[T any](v T) Option[T] { return Option[T]{Some: true, Value: v} }

// None returns an absent Option.
func None[T any]() Option[T] { var zero T; return Option[T]{Value: zero} }

// tryConsumeReady attempts to consume f without going through
// addContinuation's scheduling path, succeeding only if f has already
// settled. It is the fast path every loop combinator below uses to keep
// running synchronously, in the calling goroutine, for as long as each
// step's future resolves immediately and NeedPreempt stays false - the
// same "loop while the future is available" shape Seastar's repeat() family
// is built on, rather than rescheduling through the run queue every single
// iteration.
func tryConsumeReady[T any](f Future[T]) (T, error, bool) {
	c := f.c
	c.mu.Lock()
	if c.state == statePending || c.consumed {
		c.mu.Unlock()
		var zero T
		return zero, nil, false
	}
	c.consumed = true
	val, err := c.value, c.err
	c.mu.Unlock()
	c.stopFutureCleanup()
	return val, err, true
}

// DoWith holds value alive for the lifetime of fn's returned future,
// passing fn a pointer it may mutate freely; value is only eligible for
// collection once that future has resolved.
func DoWith[T, R any](s *Shard, value T, fn func(*T) Future[R]) Future[R] {
	held := new(T)
	*held = value
	inner := fn(held)
	return ThenWrapped(inner, func(settled Future[R]) Future[R] {
		v, err := peek(settled)
		_ = held
		return readyFuture(settled.c.shard, settled.c.group, v, err)
	})
}

// DoForEach runs action over items one at a time, in order, only starting
// the next invocation once the previous one's future resolves. An empty
// items returns an already-resolved future.
func DoForEach[T any](s *Shard, items []T, action func(T) Future[struct{}]) Future[struct{}] {
	if len(items) == 0 {
		return MakeReadyFuture(s, struct{}{})
	}

	p, f := NewPromise[struct{}](s)
	idx := 0
	var step func()
	step = func() {
		for idx < len(items) {
			item := items[idx]
			idx++
			af := action(item)
			if _, err, ok := tryConsumeReady(af); ok {
				if err != nil {
					p.SetException(err)
					return
				}
				if s.NeedPreempt() {
					s.Schedule(nil, step)
					return
				}
				continue
			}
			addContinuation(af, func(_ struct{}, err error) {
				if err != nil {
					p.SetException(err)
					return
				}
				step()
			})
			return
		}
		p.SetValue(struct{}{})
	}
	step()
	return f
}

// ParallelForEach runs action over every item concurrently, resolving once
// all of them have settled. If any fail, the first failure observed wins
// and is surfaced as the result; the rest are still allowed to run to
// completion. An empty items returns an already-resolved future.
func ParallelForEach[T any](s *Shard, items []T, action func(T) Future[struct{}]) Future[struct{}] {
	if len(items) == 0 {
		return MakeReadyFuture(s, struct{}{})
	}

	p, f := NewPromise[struct{}](s)
	var mu sync.Mutex
	remaining := len(items)
	var firstErr error

	for _, item := range items {
		af := action(item)
		addContinuation(af, func(_ struct{}, err error) {
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			done := remaining == 0
			ferr := firstErr
			mu.Unlock()
			if done {
				if ferr != nil {
					p.SetException(ferr)
				} else {
					p.SetValue(struct{}{})
				}
			}
		})
	}
	return f
}

// MaxConcurrentForEach is ParallelForEach bounded to at most maxConcurrent
// simultaneously in-flight invocations of action, backed internally by a
// Semaphore. maxConcurrent <= 1 reduces to a sequential DoForEach scan.
func MaxConcurrentForEach[T any](s *Shard, items []T, maxConcurrent int64, action func(T) Future[struct{}]) Future[struct{}] {
	if len(items) == 0 {
		return MakeReadyFuture(s, struct{}{})
	}
	if maxConcurrent <= 1 {
		return DoForEach(s, items, action)
	}

	sem := NewSemaphore(s, maxConcurrent)
	p, f := NewPromise[struct{}](s)
	var mu sync.Mutex
	remaining := len(items)
	var firstErr error

	finishOne := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		remaining--
		done := remaining == 0
		ferr := firstErr
		mu.Unlock()
		if done {
			if ferr != nil {
				p.SetException(ferr)
			} else {
				p.SetValue(struct{}{})
			}
		}
	}

	for _, item := range items {
		it := item
		acq := sem.Acquire(1)
		addContinuation(acq, func(_ struct{}, err error) {
			if err != nil {
				finishOne(err)
				return
			}
			af := action(it)
			addContinuation(af, func(_ struct{}, aerr error) {
				sem.Release(1)
				finishOne(aerr)
			})
		})
	}
	return f
}

// Repeat runs action repeatedly until it yields StopYes or fails. After
// each synchronously-ready iteration, it consults NeedPreempt to decide
// whether to keep looping in place or yield back to the run loop.
func Repeat(s *Shard, action func() Future[StopIteration]) Future[struct{}] {
	p, f := NewPromise[struct{}](s)
	var step func()
	step = func() {
		for {
			af := action()
			if v, err, ok := tryConsumeReady(af); ok {
				if err != nil {
					p.SetException(err)
					return
				}
				if v == StopYes {
					p.SetValue(struct{}{})
					return
				}
				if s.NeedPreempt() {
					s.Schedule(nil, step)
					return
				}
				continue
			}
			addContinuation(af, func(v StopIteration, err error) {
				if err != nil {
					p.SetException(err)
					return
				}
				if v == StopYes {
					p.SetValue(struct{}{})
					return
				}
				step()
			})
			return
		}
	}
	step()
	return f
}

// DoUntil runs action repeatedly until stopCond reports true, checked
// before each iteration, or action fails.
func DoUntil(s *Shard, stopCond func() bool, action func() Future[struct{}]) Future[struct{}] {
	p, f := NewPromise[struct{}](s)
	var step func()
	step = func() {
		for {
			if stopCond() {
				p.SetValue(struct{}{})
				return
			}
			af := action()
			if _, err, ok := tryConsumeReady(af); ok {
				if err != nil {
					p.SetException(err)
					return
				}
				if s.NeedPreempt() {
					s.Schedule(nil, step)
					return
				}
				continue
			}
			addContinuation(af, func(_ struct{}, err error) {
				if err != nil {
					p.SetException(err)
					return
				}
				step()
			})
			return
		}
	}
	step()
	return f
}

// RepeatUntilValue runs action repeatedly until it yields a present
// Option, then resolves with that value.
func RepeatUntilValue[T any](s *Shard, action func() Future[Option[T]]) Future[T] {
	p, f := NewPromise[T](s)
	var step func()
	step = func() {
		for {
			af := action()
			if v, err, ok := tryConsumeReady(af); ok {
				if err != nil {
					p.SetException(err)
					return
				}
				if v.Some {
					p.SetValue(v.Value)
					return
				}
				if s.NeedPreempt() {
					s.Schedule(nil, step)
					return
				}
				continue
			}
			addContinuation(af, func(v Option[T], err error) {
				if err != nil {
					p.SetException(err)
					return
				}
				if v.Some {
					p.SetValue(v.Value)
					return
				}
				step()
			})
			return
		}
	}
	step()
	return f
}

// KeepDoing runs action forever, until it fails; the returned future never
// resolves successfully on its own - it either fails with action's error
// or never settles.
func KeepDoing(s *Shard, action func() Future[struct{}]) Future[struct{}] {
	p, f := NewPromise[struct{}](s)
	var step func()
	step = func() {
		for {
			af := action()
			if _, err, ok := tryConsumeReady(af); ok {
				if err != nil {
					p.SetException(err)
					return
				}
				if s.NeedPreempt() {
					s.Schedule(nil, step)
					return
				}
				continue
			}
			addContinuation(af, func(_ struct{}, err error) {
				if err != nil {
					p.SetException(err)
					return
				}
				step()
			})
			return
		}
	}
	step()
	return f
}

// WithScheduleGroup runs fn with sg installed as s's current scheduling
// group, so every future created synchronously inside fn - and therefore
// every continuation transitively chained off them - is tagged with sg
// rather than whatever group happened to be running before. The previous
// group is restored as soon as fn returns, and the combinator's own
// result is re-tagged with sg so callers chaining off it see a future that
// belongs to sg too.
func WithScheduleGroup[R any](s *Shard, sg *ScheduleGroup, fn func() Future[R]) Future[R] {
	prev := s.runningGroup.Load()
	s.runningGroup.Store(sg)
	inner := fn()
	s.runningGroup.Store(prev)
	return ThenWrapped(inner, func(settled Future[R]) Future[R] {
		v, err := peek(settled)
		return readyFuture(s, sg, v, err)
	})
}

// Locker is the write-exclusion surface WithLock needs; SharedMutex
// satisfies it directly.
type Locker interface {
	LockWrite() Future[struct{}]
	UnlockWrite()
}

// WithLock acquires m, runs fn, and releases m on every exit path of fn -
// success, failure, or fn itself never settling synchronously.
func WithLock[R any](s *Shard, m Locker, fn func() Future[R]) Future[R] {
	return ThenFuture(m.LockWrite(), func(_ struct{}) Future[R] {
		return ThenWrapped(fn(), func(settled Future[R]) Future[R] {
			m.UnlockWrite()
			v, err := peek(settled)
			return readyFuture(settled.c.shard, settled.c.group, v, err)
		})
	})
}

// WithGate fails with ErrGateClosed if g has already closed; otherwise it
// enters g, runs fn, and leaves g on completion, whether fn succeeds or
// fails.
func WithGate[R any](s *Shard, g *Gate, fn func() Future[R]) Future[R] {
	if err := g.Enter(); err != nil {
		return MakeExceptionFuture[R](s, err)
	}
	return ThenWrapped(fn(), func(settled Future[R]) Future[R] {
		g.Leave()
		v, err := peek(settled)
		return readyFuture(settled.c.shard, settled.c.group, v, err)
	})
}

// Closer is the asynchronous close surface WithFile and DeferredClose
// operate on.
type Closer interface {
	Close() Future[struct{}]
}

// Stopper is the asynchronous stop surface DeferredStop operates on.
type Stopper interface {
	Stop() Future[struct{}]
}

// WithFile awaits open, passes the opened file to fn, and closes the file
// on every exit path. If both fn and the close fail, fn's error is
// surfaced and the close's error is only logged.
func WithFile[F Closer, R any](s *Shard, open Future[F], fn func(F) Future[R]) Future[R] {
	return ThenFuture(open, func(file F) Future[R] {
		return ThenWrapped(fn(file), func(settled Future[R]) Future[R] {
			v, ferr := peek(settled)
			return ThenWrapped(file.Close(), func(closed Future[struct{}]) Future[R] {
				_, cerr := peek(closed)
				if ferr != nil {
					if cerr != nil {
						s.logger().ReportUnhandledException("with_file.close", cerr, nil)
					}
					return readyFuture[R](s, nil, v, ferr)
				}
				return readyFuture[R](s, nil, v, cerr)
			})
		})
	})
}

// Deferred captures a no-argument callable to run when a scope ends,
// unless Cancel is called first. Grounded on Seastar's deferred_action.
type Deferred struct {
	fn func()
}

// Defer wraps fn as a Deferred. Typical use is `defer d.Run()` right after
// construction.
func Defer(fn func()) *Deferred {
	return &Deferred{fn: fn}
}

// Cancel prevents a future Run from invoking the deferred action.
func (d *Deferred) Cancel() {
	if d != nil {
		d.fn = nil
	}
}

// Run invokes the deferred action exactly once, unless it was cancelled.
func (d *Deferred) Run() {
	if d == nil || d.fn == nil {
		return
	}
	fn := d.fn
	d.fn = nil
	fn()
}

// DeferredClose returns a Deferred that blocks (via the calling
// goroutine's thread-context) until obj.Close() resolves, logging any
// failure rather than propagating it - by the time a deferred cleanup
// runs, there is no scope left to propagate an error to.
func DeferredClose(s *Shard, obj Closer) *Deferred {
	return Defer(func() {
		if err := blockOn(s, obj.Close()); err != nil {
			s.logger().ReportUnhandledException("deferred_close", err, nil)
		}
	})
}

// DeferredStop is DeferredClose for Stopper.
func DeferredStop(s *Shard, obj Stopper) *Deferred {
	return Defer(func() {
		if err := blockOn(s, obj.Stop()); err != nil {
			s.logger().ReportUnhandledException("deferred_stop", err, nil)
		}
	})
}
