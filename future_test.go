package shard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromiseSetValueResolvesFuture(t *testing.T) {
	p, f := NewPromise[int](nil)
	p.SetValue(42)

	var got int
	var gotErr error
	done := make(chan struct{})
	addContinuation(f, func(v int, err error) {
		got, gotErr = v, err
		close(done)
	})
	<-done

	require.NoError(t, gotErr)
	assert.Equal(t, 42, got)
}

func TestPromiseSetExceptionRejectsFuture(t *testing.T) {
	p, f := NewPromise[int](nil)
	wantErr := errors.New("boom")
	p.SetException(wantErr)

	var gotErr error
	done := make(chan struct{})
	addContinuation(f, func(_ int, err error) {
		gotErr = err
		close(done)
	})
	<-done

	assert.ErrorIs(t, gotErr, wantErr)
}

func TestPromiseDoubleResolveIsDefect(t *testing.T) {
	p, _ := NewPromise[int](nil)
	p.SetValue(1)
	// second settle on a nil-shard promise: no shard to report the defect
	// to, so this must not panic.
	assert.NotPanics(t, func() { p.SetValue(2) })
}

func TestFutureDoubleConsumeIsDefect(t *testing.T) {
	_, f := NewPromise[int](nil)

	var calls int
	addContinuation(f, func(int, error) { calls++ })
	addContinuation(f, func(_ int, err error) {
		calls++
		assert.ErrorIs(t, err, ErrDoubleConsume)
	})

	assert.Equal(t, 1, calls)
}

func TestMakeReadyFutureAlreadySettled(t *testing.T) {
	s := startTestShard(t)
	f := MakeReadyFuture(s, "hi")
	assert.True(t, f.Ready())

	var got string
	done := make(chan struct{})
	addContinuation(f, func(v string, err error) {
		got = v
		require.NoError(t, err)
		close(done)
	})
	<-done
	assert.Equal(t, "hi", got)
}

func TestThenPropagatesFailureWithoutRunningCallback(t *testing.T) {
	s := startTestShard(t)
	wantErr := errors.New("upstream failed")
	src := MakeExceptionFuture[int](s, wantErr)

	called := false
	out := Then(src, func(v int) (int, error) {
		called = true
		return v, nil
	})

	var gotErr error
	done := make(chan struct{})
	addContinuation(out, func(_ int, err error) {
		gotErr = err
		close(done)
	})
	<-done

	assert.False(t, called)
	assert.ErrorIs(t, gotErr, wantErr)
}

func TestThenFutureChainsAsynchronousStep(t *testing.T) {
	s := startTestShard(t)
	step1 := MakeReadyFuture(s, 10)
	out := ThenFuture(step1, func(v int) Future[int] {
		return MakeReadyFuture(s, v*2)
	})

	var got int
	done := make(chan struct{})
	addContinuation(out, func(v int, err error) {
		got = v
		require.NoError(t, err)
		close(done)
	})
	<-done
	assert.Equal(t, 20, got)
}

func TestHandleExceptionRecoversFailure(t *testing.T) {
	s := startTestShard(t)
	wantErr := errors.New("nope")
	src := MakeExceptionFuture[int](s, wantErr)

	out := HandleException(src, func(err error) (int, error) {
		assert.ErrorIs(t, err, wantErr)
		return -1, nil
	})

	var got int
	done := make(chan struct{})
	addContinuation(out, func(v int, err error) {
		got = v
		require.NoError(t, err)
		close(done)
	})
	<-done
	assert.Equal(t, -1, got)
}

func TestFinallyRunsOnBothOutcomes(t *testing.T) {
	s := startTestShard(t)

	var ranOK, ranFail bool
	ok := Finally(MakeReadyFuture(s, 1), func() { ranOK = true })
	fail := Finally(MakeExceptionFuture[int](s, errors.New("x")), func() { ranFail = true })

	doneOK := make(chan struct{})
	addContinuation(ok, func(int, error) { close(doneOK) })
	<-doneOK

	doneFail := make(chan struct{})
	addContinuation(fail, func(int, error) { close(doneFail) })
	<-doneFail

	assert.True(t, ranOK)
	assert.True(t, ranFail)
}

func TestForwardToPropagatesOutcome(t *testing.T) {
	s := startTestShard(t)
	src := MakeReadyFuture(s, 7)
	p, f := NewPromise[int](s)
	ForwardTo(src, p)

	var got int
	done := make(chan struct{})
	addContinuation(f, func(v int, err error) {
		got = v
		require.NoError(t, err)
		close(done)
	})
	<-done
	assert.Equal(t, 7, got)
}
