package shard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInThreadContextGetReturnsFutureValue(t *testing.T) {
	s := startTestShard(t)

	f := RunInThreadContext(s, func(tc *ThreadContext) (int, error) {
		inner := make(chan Future[int], 1)
		s.Schedule(nil, func() { inner <- MakeReadyFuture(s, 99) })
		v, err := Get(tc, <-inner)
		return v, err
	})

	done := make(chan struct{})
	var got int
	var gotErr error
	addContinuation(f, func(v int, err error) {
		got, gotErr = v, err
		close(done)
	})

	select {
	case <-done:
		require.NoError(t, gotErr)
		assert.Equal(t, 99, got)
	case <-time.After(2 * time.Second):
		t.Fatal("thread-context future never resolved")
	}
}

func TestWaitPropagatesFailure(t *testing.T) {
	s := startTestShard(t)
	boom := errors.New("boom")

	f := RunInThreadContext(s, func(tc *ThreadContext) (struct{}, error) {
		inner := make(chan Future[struct{}], 1)
		s.Schedule(nil, func() { inner <- MakeExceptionFuture[struct{}](s, boom) })
		return struct{}{}, Wait(tc, <-inner)
	})

	done := make(chan error, 1)
	addContinuation(f, func(_ struct{}, err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("thread-context future never resolved")
	}
}

func TestGetFromShardGoroutineFailsWithUseOutsideThreadContext(t *testing.T) {
	s := startTestShard(t)

	tc := &ThreadContext{shard: s}
	done := make(chan error, 1)
	s.Schedule(nil, func() {
		_, err := Get(tc, MakeReadyFuture(s, 1))
		done <- err
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUseOutsideThreadContext)
	case <-time.After(2 * time.Second):
		t.Fatal("Get never returned")
	}
}
