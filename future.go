package shard

import (
	"runtime"
	"sync"
)

type futureState int32

const (
	statePending futureState = iota
	stateResolved
	stateFailed
)

// cell is the shared state a Promise[T]/Future[T] pair point at. Exactly
// one continuation may ever be attached (the "single-continuation"
// invariant): a second Then/Get/ForwardTo on the same Future is a
// framework defect, reported through the owning Shard's Logger rather
// than panicking.
type cell[T any] struct {
	mu       sync.Mutex
	state    futureState
	value    T
	err      error
	cont     func()
	consumed bool

	shard *Shard
	group *ScheduleGroup

	creationStack []uintptr

	hasCleanups    bool
	promiseCleanup runtime.Cleanup
	futureCleanup  runtime.Cleanup

	reg   *registry
	regID uint64
}

// rejectIfPending force-settles a still-pending cell with err, without the
// defect/double-consume bookkeeping settle and promiseDropped carry: it is
// only ever invoked by a registry's RejectAll, once, as a Shard shuts down.
func (c *cell[T]) rejectIfPending(err error) {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return
	}
	c.state = stateFailed
	c.err = err
	cont := c.cont
	c.cont = nil
	c.mu.Unlock()

	c.stopPromiseCleanup()

	if cont != nil {
		scheduleContinuation(c, cont)
	}
}

func (c *cell[T]) stopPromiseCleanup() {
	if c.hasCleanups {
		c.promiseCleanup.Stop()
	}
}

func (c *cell[T]) stopFutureCleanup() {
	if c.hasCleanups {
		c.futureCleanup.Stop()
	}
}

// Promise[T] is the producer side of a future/promise pair: exactly one
// of SetValue or SetException may be called, exactly once. Dropping a
// Promise without resolving it resolves its Future with ErrBrokenPromise
// and logs the drop via the owning Shard's Logger.
type Promise[T any] struct {
	guard *int
	c     *cell[T]
}

// Future[T] is the consumer side of a future/promise pair. It carries at
// most one continuation, attached via Then, ThenFuture, HandleException,
// Finally, ForwardTo, or consumed via Get/Wait.
type Future[T any] struct {
	guard *int
	c     *cell[T]
}

// NewPromise creates a linked Promise/Future pair scheduled against s: any
// continuation attached to the Future, and the broken-promise/unhandled-
// exception defect reports, are delivered through s.
func NewPromise[T any](s *Shard) (Promise[T], Future[T]) {
	c := &cell[T]{shard: s}
	if s != nil {
		c.group = s.currentOrDefaultGroup()
		if s.opts.debugMode {
			c.creationStack = captureStack()
		}
		c.reg = s.registry
		c.regID = registerCell(s.registry, c)
	}

	pg := new(int)
	fg := new(int)
	p := Promise[T]{guard: pg, c: c}
	f := Future[T]{guard: fg, c: c}

	c.promiseCleanup = runtime.AddCleanup(pg, promiseDropped[T], c)
	c.futureCleanup = runtime.AddCleanup(fg, futureDropped[T], c)
	c.hasCleanups = true

	return p, f
}

// captureStack records the caller's call stack for later attribution in
// defect/broken-promise log entries. Only used when a Shard is
// constructed WithDebugMode(true).
func captureStack() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// promiseDropped runs when a Promise becomes unreachable. If its cell is
// still pending, it resolves it with ErrBrokenPromise and schedules any
// attached continuation, exactly as an explicit SetException would.
func promiseDropped[T any](c *cell[T]) {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return
	}
	c.state = stateFailed
	c.err = ErrBrokenPromise
	cont := c.cont
	c.cont = nil
	stack := c.creationStack
	sh := c.shard
	c.mu.Unlock()

	if c.reg != nil {
		c.reg.forget(c.regID)
	}

	if sh != nil {
		sh.logger().ReportBrokenPromise("future", stack)
	}
	if cont != nil {
		scheduleContinuation(c, cont)
	}
}

// futureDropped runs when a Future becomes unreachable. A failed future
// that nobody ever consumed is a reportable defect: the error, and
// whatever it indicates went wrong, is otherwise silently discarded.
func futureDropped[T any](c *cell[T]) {
	c.mu.Lock()
	unconsumedFailure := c.state == stateFailed && !c.consumed
	err := c.err
	stack := c.creationStack
	sh := c.shard
	c.mu.Unlock()

	if unconsumedFailure && sh != nil {
		sh.logger().ReportUnhandledException("future", err, stack)
	}
}

// scheduleContinuation hands cont to the cell's shard for execution on its
// scheduling group, or runs it immediately if the cell has no shard (a
// Promise created with a nil Shard, used in unit tests exercising cell
// semantics directly).
func scheduleContinuation[T any](c *cell[T], cont func()) {
	if c.shard == nil {
		cont()
		return
	}
	c.shard.Schedule(c.group, cont)
}

// settle is the shared implementation of SetValue/SetException.
func (p Promise[T]) settle(value T, err error) {
	c := p.c
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		if c.shard != nil {
			c.shard.reportDefect("SetValue/SetException", ErrAlreadyResolved)
		}
		return
	}
	if err != nil {
		c.state = stateFailed
		c.err = err
	} else {
		c.state = stateResolved
		c.value = value
	}
	cont := c.cont
	c.cont = nil
	c.mu.Unlock()

	if c.reg != nil {
		c.reg.forget(c.regID)
	}
	c.stopPromiseCleanup()

	if cont != nil {
		scheduleContinuation(c, cont)
	}
}

// SetValue resolves the linked Future with value. A second call (after
// SetValue or SetException already ran) is a framework defect.
func (p Promise[T]) SetValue(value T) {
	p.settle(value, nil)
}

// SetException rejects the linked Future with err. A second call is a
// framework defect. A nil err is replaced with ErrBrokenPromise so the
// future never silently observes a nil error; no defect is reported for it.
func (p Promise[T]) SetException(err error) {
	if err == nil {
		err = ErrBrokenPromise
	}
	var zero T
	p.settle(zero, err)
}

// Valid reports whether p still refers to a live cell; always true for
// promises obtained from NewPromise.
func (p Promise[T]) Valid() bool { return p.c != nil }

// Valid reports whether f still refers to a live cell.
func (f Future[T]) Valid() bool { return f.c != nil }

// Ready reports whether the future has already settled (resolved or
// failed), without consuming it.
func (f Future[T]) Ready() bool {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != statePending
}

// Failed reports whether the future has already settled with an error,
// without consuming it. Returns false for a still-pending future.
func (f Future[T]) Failed() bool {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateFailed
}

// IgnoreReadyFuture consumes f and discards its outcome, marking a known
// failure as handled rather than letting it fall through to futureDropped's
// unconsumed-failure defect report. Calling it on a still-pending future
// simply discards whatever it eventually settles with.
func IgnoreReadyFuture[T any](f Future[T]) {
	addContinuation(f, func(T, error) {})
}

// addContinuation attaches the single continuation a Future may ever
// carry. onSettled runs, via scheduleContinuation, exactly once, with the
// cell's final value and error. Attaching a second continuation to the
// same Future is a double-consume defect: onSettled is invoked once, with
// a zero value and ErrDoubleConsume, and the original settlement is left
// untouched for whichever continuation got there first.
func addContinuation[T any](f Future[T], onSettled func(T, error)) {
	c := f.c
	c.mu.Lock()
	if c.consumed {
		c.mu.Unlock()
		if c.shard != nil {
			c.shard.reportDefect("Then", ErrDoubleConsume)
		}
		var zero T
		scheduleContinuation(c, func() { onSettled(zero, ErrDoubleConsume) })
		return
	}
	c.consumed = true

	if c.state != statePending {
		val, err := c.value, c.err
		c.mu.Unlock()
		c.stopFutureCleanup()
		scheduleContinuation(c, func() { onSettled(val, err) })
		return
	}

	c.cont = func() {
		c.mu.Lock()
		val, err := c.value, c.err
		c.mu.Unlock()
		onSettled(val, err)
	}
	c.mu.Unlock()
	c.stopFutureCleanup()
}

// Then attaches fn as the future's continuation, running it (scheduled on
// the owning shard) once f settles successfully, and propagating any
// failure of f directly to the returned Future without running fn.
func Then[T, R any](f Future[T], fn func(T) (R, error)) Future[R] {
	p, rf := NewPromise[R](f.c.shard)
	addContinuation(f, func(v T, err error) {
		if err != nil {
			p.SetException(err)
			return
		}
		r, err := fn(v)
		if err != nil {
			p.SetException(err)
			return
		}
		p.SetValue(r)
	})
	return rf
}

// ThenFuture chains f into a future produced by fn, propagating fn's
// eventual result (or f's own failure, if it fails before fn ever runs)
// as the single settlement of the returned Future. This is the monadic
// bind used to sequence asynchronous steps without nesting callbacks.
func ThenFuture[T, R any](f Future[T], fn func(T) Future[R]) Future[R] {
	p, rf := NewPromise[R](f.c.shard)
	addContinuation(f, func(v T, err error) {
		if err != nil {
			p.SetException(err)
			return
		}
		ForwardTo(fn(v), p)
	})
	return rf
}

// ThenWrapped attaches fn as the future's continuation regardless of
// whether f resolved or failed, handing it the settled Future so it can
// inspect the outcome (via Failed) or chain on it with Then,
// HandleException or ForwardTo. This is the building block
// handle_exception and Finally are written in terms of.
func ThenWrapped[T, R any](f Future[T], fn func(Future[T]) Future[R]) Future[R] {
	p, rf := NewPromise[R](f.c.shard)
	addContinuation(f, func(v T, err error) {
		inner := readyFuture(f.c.shard, f.c.group, v, err)
		ForwardTo(fn(inner), p)
	})
	return rf
}

// HandleException attaches fn to run only when f fails, letting it
// recover with a replacement value or rethrow (return the same or a
// different error). A successful f passes its value through unchanged.
func HandleException[T any](f Future[T], fn func(error) (T, error)) Future[T] {
	return ThenWrapped(f, func(inner Future[T]) Future[T] {
		v, err := peek(inner)
		if err == nil {
			return readyFuture(inner.c.shard, inner.c.group, v, nil)
		}
		rv, rerr := fn(err)
		return readyFuture(inner.c.shard, inner.c.group, rv, rerr)
	})
}

// Finally attaches fn to run once f settles, regardless of outcome, then
// passes f's original value/error through unchanged. A panic inside fn
// propagates like any other panic from a scheduled task; it is not
// swallowed.
func Finally[T any](f Future[T], fn func()) Future[T] {
	return ThenWrapped(f, func(inner Future[T]) Future[T] {
		fn()
		v, err := peek(inner)
		return readyFuture(inner.c.shard, inner.c.group, v, err)
	})
}

// ForwardTo attaches f's eventual outcome to resolve or reject p, the
// Go analogue of Seastar's future::forward_to.
func ForwardTo[T any](f Future[T], p Promise[T]) {
	addContinuation(f, func(v T, err error) {
		if err != nil {
			p.SetException(err)
			return
		}
		p.SetValue(v)
	})
}

// peek reads an already-settled future's outcome without going through
// addContinuation's single-continuation bookkeeping; it is only ever
// called, internally, on a future manufactured by readyFuture for exactly
// this purpose.
func peek[T any](f Future[T]) (T, error) {
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err
}

// readyFuture manufactures an already-settled Future, used internally to
// hand ThenWrapped-style combinators a consumable view of an outcome that
// has already been read out of the original cell.
func readyFuture[T any](s *Shard, g *ScheduleGroup, v T, err error) Future[T] {
	c := &cell[T]{shard: s, group: g, value: v, err: err}
	if err != nil {
		c.state = stateFailed
	} else {
		c.state = stateResolved
	}
	return Future[T]{guard: new(int), c: c}
}

// MakeReadyFuture returns a Future that is already resolved with value.
func MakeReadyFuture[T any](s *Shard, value T) Future[T] {
	return readyFuture[T](s, s.currentOrDefaultGroup(), value, nil)
}

// MakeExceptionFuture returns a Future that is already failed with err.
func MakeExceptionFuture[T any](s *Shard, err error) Future[T] {
	var zero T
	return readyFuture[T](s, s.currentOrDefaultGroup(), zero, err)
}
