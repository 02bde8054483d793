package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreAcquireWithinCapacityIsImmediate(t *testing.T) {
	s := newTestShard(t)
	sem := NewSemaphore(s, 3)

	f := sem.Acquire(2)
	assert.True(t, f.Ready())
	assert.Equal(t, int64(1), sem.AvailableUnits())
}

func TestSemaphoreAcquireMoreThanCapacityFails(t *testing.T) {
	s := startTestShard(t)
	sem := NewSemaphore(s, 2)

	f := sem.Acquire(3)
	assert.True(t, f.Ready())

	var gotErr error
	done := make(chan struct{})
	addContinuation(f, func(_ struct{}, err error) {
		gotErr = err
		close(done)
	})
	<-done
	assert.ErrorIs(t, gotErr, ErrSemaphoreBroken)
}

func TestSemaphoreReleaseGrantsQueuedWaiterFIFO(t *testing.T) {
	s := startTestShard(t)
	sem := NewSemaphore(s, 1)

	order := make(chan int, 2)

	acquireCh := make(chan struct{})
	s.Schedule(nil, func() {
		first := sem.Acquire(1) // grabs the only unit
		addContinuation(first, func(struct{}, error) {})

		second := sem.Acquire(1)
		addContinuation(second, func(struct{}, error) { order <- 1 })

		third := sem.Acquire(1)
		addContinuation(third, func(struct{}, error) { order <- 2 })

		close(acquireCh)
	})
	<-acquireCh

	s.Schedule(nil, func() { sem.Release(1) })

	first := <-order
	require.Equal(t, 1, first)

	s.Schedule(nil, func() { sem.Release(1) })
	second := <-order
	require.Equal(t, 2, second)
}

func TestSemaphoreAcquireTimeoutFires(t *testing.T) {
	s := startTestShard(t)
	sem := NewSemaphore(s, 1)

	held := make(chan struct{})
	s.Schedule(nil, func() {
		f := sem.Acquire(1)
		addContinuation(f, func(struct{}, error) { close(held) })
	})
	<-held

	timedOut := make(chan error, 1)
	s.Schedule(nil, func() {
		f := sem.AcquireTimeout(1, 20*time.Millisecond)
		addContinuation(f, func(_ struct{}, err error) { timedOut <- err })
	})

	select {
	case err := <-timedOut:
		assert.ErrorIs(t, err, ErrSemaphoreTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never timed out")
	}
}

func TestSemaphoreBrokenFailsQueuedWaiters(t *testing.T) {
	s := startTestShard(t)
	sem := NewSemaphore(s, 1)

	waiting := make(chan error, 1)
	ready := make(chan struct{})
	s.Schedule(nil, func() {
		held := sem.Acquire(1)
		addContinuation(held, func(struct{}, error) {})

		queued := sem.Acquire(1)
		addContinuation(queued, func(_ struct{}, err error) { waiting <- err })
		close(ready)
	})
	<-ready

	s.Schedule(nil, func() { sem.Broken(nil) })

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrSemaphoreBroken)
	case <-time.After(2 * time.Second):
		t.Fatal("broken semaphore never failed its waiter")
	}
}
