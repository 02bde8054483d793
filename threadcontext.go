package shard

// ThreadContext marks a goroutine, spawned via RunInThreadContext, as a
// scope from which Get and Wait may block on a Future: since it runs on
// its own goroutine rather than a Shard's run-loop goroutine, blocking
// there does not stall the Shard that has to drive the Future to
// completion.
type ThreadContext struct {
	shard *Shard
}

// Shard returns the Shard this thread-context blocks against.
func (tc *ThreadContext) Shard() *Shard { return tc.shard }

// RunInThreadContext runs fn on a dedicated goroutine, returning a Future
// that resolves with fn's eventual result. Inside fn, Get and Wait may
// block on any Future belonging to s without stalling s's run loop, since
// fn runs off of it.
func RunInThreadContext[R any](s *Shard, fn func(tc *ThreadContext) (R, error)) Future[R] {
	p, f := NewPromise[R](s)
	tc := &ThreadContext{shard: s}
	go func() {
		v, err := fn(tc)
		if err != nil {
			p.SetException(err)
			return
		}
		p.SetValue(v)
	}()
	return f
}

// Get blocks the calling goroutine until f settles, returning its
// outcome. Calling Get from a Shard's own run-loop goroutine is a defect:
// the Shard itself has to keep running in order to ever settle f, so
// blocking there would deadlock it. Get reports that case as
// ErrUseOutsideThreadContext instead of hanging.
func Get[T any](tc *ThreadContext, f Future[T]) (T, error) {
	var zero T
	if tc == nil || tc.shard == nil {
		return zero, ErrUseOutsideThreadContext
	}
	return blockOnFuture(tc.shard, f)
}

// Wait is Get for a Future[struct{}], discarding the (always empty) value.
func Wait(tc *ThreadContext, f Future[struct{}]) error {
	_, err := Get(tc, f)
	return err
}

// blockOnFuture is the shared blocking implementation behind Get and
// DeferredClose/DeferredStop's synchronous release.
func blockOnFuture[T any](s *Shard, f Future[T]) (T, error) {
	var zero T
	if s != nil && s.isOnShardGoroutine() {
		return zero, ErrUseOutsideThreadContext
	}
	done := make(chan struct{})
	var val T
	var err error
	addContinuation(f, func(v T, e error) {
		val, err = v, e
		close(done)
	})
	<-done
	return val, err
}

// blockOn is blockOnFuture specialized to Future[struct{}], used by
// DeferredClose and DeferredStop to drive a cleanup future to completion
// synchronously from within a thread-context.
func blockOn(s *Shard, f Future[struct{}]) error {
	_, err := blockOnFuture(s, f)
	return err
}
