package shard

import "sync"

// SharedMutex is a reader/writer lock: any number of readers may hold it
// concurrently, but a writer excludes every reader and every other writer.
// Waiters are woken in FIFO order with a writer bias: on release, a writer
// at the front of the queue is woken as soon as no readers remain active,
// but a run of readers at the front is woken as a batch, up to (but not
// including) the next queued writer, rather than one at a time. Grounded
// on Seastar's shared_mutex.
type SharedMutex struct {
	shard *Shard

	mu            sync.Mutex
	activeReaders int64
	writerActive  bool
	waiters       []*muWaiter
}

type muWaiter struct {
	isWriter bool
	p        Promise[struct{}]
}

// NewSharedMutex creates an unlocked SharedMutex scheduled against s.
func NewSharedMutex(s *Shard) *SharedMutex {
	return &SharedMutex{shard: s}
}

// LockRead returns a Future that resolves once a read lock is held. Every
// successful LockRead must be paired with exactly one UnlockRead.
func (m *SharedMutex) LockRead() Future[struct{}] {
	m.mu.Lock()
	if !m.writerActive && len(m.waiters) == 0 {
		m.activeReaders++
		m.mu.Unlock()
		return MakeReadyFuture(m.shard, struct{}{})
	}
	p, f := NewPromise[struct{}](m.shard)
	m.waiters = append(m.waiters, &muWaiter{isWriter: false, p: p})
	m.mu.Unlock()
	return f
}

// TryLockRead attempts to acquire a read lock without waiting, reporting
// whether it succeeded.
func (m *SharedMutex) TryLockRead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writerActive || len(m.waiters) != 0 {
		return false
	}
	m.activeReaders++
	return true
}

// UnlockRead releases one previously acquired read lock.
func (m *SharedMutex) UnlockRead() {
	m.mu.Lock()
	m.activeReaders--
	if m.activeReaders < 0 {
		m.activeReaders = 0
	}
	granted := m.wakeLocked()
	m.mu.Unlock()
	resolveWaiters(granted)
}

// LockWrite returns a Future that resolves once the exclusive write lock is
// held. Every successful LockWrite must be paired with exactly one
// UnlockWrite.
func (m *SharedMutex) LockWrite() Future[struct{}] {
	m.mu.Lock()
	if !m.writerActive && m.activeReaders == 0 && len(m.waiters) == 0 {
		m.writerActive = true
		m.mu.Unlock()
		return MakeReadyFuture(m.shard, struct{}{})
	}
	p, f := NewPromise[struct{}](m.shard)
	m.waiters = append(m.waiters, &muWaiter{isWriter: true, p: p})
	m.mu.Unlock()
	return f
}

// TryLockWrite attempts to acquire the write lock without waiting,
// reporting whether it succeeded.
func (m *SharedMutex) TryLockWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writerActive || m.activeReaders != 0 || len(m.waiters) != 0 {
		return false
	}
	m.writerActive = true
	return true
}

// UnlockWrite releases the write lock.
func (m *SharedMutex) UnlockWrite() {
	m.mu.Lock()
	m.writerActive = false
	granted := m.wakeLocked()
	m.mu.Unlock()
	resolveWaiters(granted)
}

// wakeLocked implements the writer-biased wake policy and must be called
// with m.mu held. It returns the waiters granted so their promises can be
// resolved after the lock is released.
func (m *SharedMutex) wakeLocked() []*muWaiter {
	if len(m.waiters) == 0 {
		return nil
	}

	front := m.waiters[0]
	if front.isWriter {
		if m.activeReaders != 0 {
			return nil
		}
		m.writerActive = true
		m.waiters = m.waiters[1:]
		return []*muWaiter{front}
	}

	var granted []*muWaiter
	i := 0
	for ; i < len(m.waiters); i++ {
		w := m.waiters[i]
		if w.isWriter {
			break
		}
		m.activeReaders++
		granted = append(granted, w)
	}
	m.waiters = m.waiters[i:]
	return granted
}

func resolveWaiters(waiters []*muWaiter) {
	for _, w := range waiters {
		w.p.SetValue(struct{}{})
	}
}

// RWLock is a narrower view of a SharedMutex exposing only the read side,
// useful for handing read-only access to a collaborator without letting it
// also take the write lock.
type RWLock struct {
	m *SharedMutex
}

// AsRWLock returns a read-only view of m.
func (m *SharedMutex) AsRWLock() RWLock { return RWLock{m: m} }

// Lock acquires a read lock through the underlying SharedMutex.
func (r RWLock) Lock() Future[struct{}] { return r.m.LockRead() }

// TryLock attempts to acquire a read lock without waiting.
func (r RWLock) TryLock() bool { return r.m.TryLockRead() }

// Unlock releases a read lock through the underlying SharedMutex.
func (r RWLock) Unlock() { r.m.UnlockRead() }

// WriteLock is a narrower view of a SharedMutex exposing only the write
// side, useful for handing exclusive access to a collaborator without
// letting it also take a read lock directly. Mirrors Seastar's
// rwlock::for_write().
type WriteLock struct {
	m *SharedMutex
}

// AsWriteLock returns a write-only view of m.
func (m *SharedMutex) AsWriteLock() WriteLock { return WriteLock{m: m} }

// Lock acquires the write lock through the underlying SharedMutex.
func (w WriteLock) Lock() Future[struct{}] { return w.m.LockWrite() }

// TryLock attempts to acquire the write lock without waiting.
func (w WriteLock) TryLock() bool { return w.m.TryLockWrite() }

// Unlock releases the write lock through the underlying SharedMutex.
func (w WriteLock) Unlock() { w.m.UnlockWrite() }
