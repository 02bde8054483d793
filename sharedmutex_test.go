package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMutexMultipleReadersConcurrent(t *testing.T) {
	s := newTestShard(t)
	m := NewSharedMutex(s)

	f1 := m.LockRead()
	f2 := m.LockRead()
	assert.True(t, f1.Ready())
	assert.True(t, f2.Ready())
}

func TestSharedMutexWriterExcludesReaders(t *testing.T) {
	s := startTestShard(t)
	m := NewSharedMutex(s)

	writerHeld := make(chan struct{})
	s.Schedule(nil, func() {
		f := m.LockWrite()
		addContinuation(f, func(struct{}, error) { close(writerHeld) })
	})
	<-writerHeld

	readerGranted := make(chan struct{})
	s.Schedule(nil, func() {
		f := m.LockRead()
		assert.False(t, f.Ready())
		addContinuation(f, func(struct{}, error) { close(readerGranted) })
	})

	select {
	case <-readerGranted:
		t.Fatal("reader granted while writer held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	s.Schedule(nil, m.UnlockWrite)

	select {
	case <-readerGranted:
	case <-time.After(2 * time.Second):
		t.Fatal("reader never granted after writer released")
	}
}

func TestSharedMutexQueuedWriterWakesOnlyAfterReadersDrain(t *testing.T) {
	s := startTestShard(t)
	m := NewSharedMutex(s)

	readerHeld := make(chan struct{})
	s.Schedule(nil, func() {
		f := m.LockRead()
		addContinuation(f, func(struct{}, error) { close(readerHeld) })
	})
	<-readerHeld

	writerGranted := make(chan struct{})
	s.Schedule(nil, func() {
		f := m.LockWrite()
		addContinuation(f, func(struct{}, error) { close(writerGranted) })
	})

	select {
	case <-writerGranted:
		t.Fatal("writer granted while a reader was still active")
	case <-time.After(50 * time.Millisecond):
	}

	s.Schedule(nil, m.UnlockRead)

	select {
	case <-writerGranted:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never granted after reader released")
	}
}

func TestSharedMutexTryLockWrite(t *testing.T) {
	s := newTestShard(t)
	m := NewSharedMutex(s)

	require.True(t, m.TryLockWrite())
	assert.False(t, m.TryLockWrite())
	m.UnlockWrite()
	assert.True(t, m.TryLockWrite())
}

func TestRWLockViewDelegatesToReadSide(t *testing.T) {
	s := newTestShard(t)
	m := NewSharedMutex(s)
	r := m.AsRWLock()

	require.True(t, r.TryLock())
	f := m.LockWrite()
	assert.False(t, f.Ready())

	r.Unlock()
}
