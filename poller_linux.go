//go:build linux

package shard

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxInitialFDs is the initial capacity of the poller's FD table; it
// grows on demand for higher descriptors.
const maxInitialFDs = 4096

// IOEvents is a bitmask of the I/O readiness conditions a registered file
// descriptor can be waited on for.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOCallback is invoked, from the owning Shard's run loop, when a
// registered file descriptor becomes ready for one of its requested
// events.
type IOCallback func(IOEvents)

type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// poller is an epoll-backed I/O readiness multiplexer owned by exactly
// one Shard. PollIO is only ever called from that shard's run loop; the
// registration methods may be called from other goroutines, so the FD
// table is guarded by a mutex independent of the run loop.
type poller struct {
	epfd     int32
	eventBuf [256]unix.EpollEvent
	fds      []fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd: int32(epfd),
		fds:  make([]fdInfo, maxInitialFDs),
	}, nil
}

func (p *poller) Close() error {
	p.closed.Store(true)
	return unix.Close(int(p.epfd))
}

// RegisterFD starts monitoring fd for the given events, invoking cb on
// the owning shard's run loop whenever any of them become ready.
func (p *poller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrShardStopped
	}
	if fd < 0 {
		return WrapError("RegisterFD", ErrFDOutOfRange)
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) {
		newFds := make([]fdInfo, fd*2+1)
		copy(newFds, p.fds)
		p.fds = newFds
	}
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return WrapError("RegisterFD", ErrFDAlreadyRegistered)
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	if err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

// UnregisterFD stops monitoring fd. A callback already in flight (copied
// out of the table by PollIO before this call took the lock) may still
// run once more; callers must not close fd until they know no further
// callback can be in flight.
func (p *poller) UnregisterFD(fd int) error {
	if fd < 0 {
		return WrapError("UnregisterFD", ErrFDOutOfRange)
	}
	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return WrapError("UnregisterFD", ErrFDNotRegistered)
	}
	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

// ModifyFD changes the set of events fd is monitored for.
func (p *poller) ModifyFD(fd int, events IOEvents) error {
	p.fdMu.Lock()
	if fd < 0 {
		p.fdMu.Unlock()
		return WrapError("ModifyFD", ErrFDOutOfRange)
	}
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return WrapError("ModifyFD", ErrFDNotRegistered)
	}
	p.fds[fd].events = events
	p.fdMu.Unlock()
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

// PollIO blocks for up to timeoutMs milliseconds (or indefinitely if
// negative, or returns immediately if zero) waiting for readiness, then
// dispatches every ready callback inline before returning. It must only
// be called from the owning shard's run loop.
func (p *poller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrShardStopped
	}
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	p.dispatch(n)
	return n, nil
}

func (p *poller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 {
			continue
		}
		p.fdMu.RLock()
		var info fdInfo
		if fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
