package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSleepResolvesAfterDuration(t *testing.T) {
	s := startTestShard(t)

	start := time.Now()
	done := make(chan struct{})
	s.Schedule(nil, func() {
		f := Sleep(s, 30*time.Millisecond)
		addContinuation(f, func(struct{}, error) { close(done) })
	})

	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never resolved")
	}
}

func TestSleepAbortableResolvesOnTimerWhenNotAborted(t *testing.T) {
	s := startTestShard(t)
	src := NewAbortSource()

	var gotErr error
	done := make(chan struct{})
	s.Schedule(nil, func() {
		f := SleepAbortable(s, 20*time.Millisecond, src)
		addContinuation(f, func(_ struct{}, err error) {
			gotErr = err
			close(done)
		})
	})

	select {
	case <-done:
		assert.NoError(t, gotErr)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never resolved")
	}
}

func TestSleepAbortableResolvesOnAbortBeforeTimer(t *testing.T) {
	s := startTestShard(t)
	src := NewAbortSource()

	var gotErr error
	done := make(chan struct{})
	s.Schedule(nil, func() {
		f := SleepAbortable(s, 2*time.Second, src)
		addContinuation(f, func(_ struct{}, err error) {
			gotErr = err
			close(done)
		})
	})

	s.Schedule(nil, func() { src.Abort(nil) })

	select {
	case <-done:
		assert.ErrorIs(t, gotErr, ErrSleepAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("abortable sleep never resolved")
	}
}
