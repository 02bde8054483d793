package shard

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// defaultSliceDuration bounds how long a single task is allowed to run
// before NeedPreempt starts reporting true, nudging long-running
// combinators (KeepDoing, DoForEach, Repeat) to yield back to the run
// loop at their next opportunity.
const defaultSliceDuration = 500 * time.Microsecond

// Shard is a single thread-per-core execution context: one run loop,
// pinned to one goroutine for its lifetime, driving a fixed table of
// ScheduleGroups, a timer heap, and an I/O poller. Grounded on the
// teacher's Loop (loop.go), restructured around scheduling groups instead
// of a flat external/internal queue pair.
type Shard struct {
	id   int
	opts *shardOptions

	state *shardState

	groups   [maxScheduleGroups]*ScheduleGroup
	groupsMu sync.Mutex

	defaultGrp   *ScheduleGroup
	runningGroup atomic.Pointer[ScheduleGroup]
	sliceDeadline time.Time

	inbound  *mpscRing    // cross-goroutine submissions
	internal *chunkedQueue // framework-priority tasks, drained before groups each tick

	timersMu sync.Mutex
	timers   timerHeap
	timerSeq atomic.Uint64

	poller      *poller
	wakeFd      int
	wakePending atomic.Uint32

	registry *registry

	goroutineID atomic.Uint64
	doneCh      chan struct{}
	stopOnce    sync.Once

	tickAnchor  time.Time
	tickElapsed atomic.Int64
}

// New constructs a Shard in StateAwake. Run must be called (from a
// goroutine of the caller's choosing) to start its loop.
func New(id int, opts ...ShardOption) (*Shard, error) {
	cfg, err := resolveShardOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Shard{
		id:       id,
		opts:     cfg,
		state:    newShardState(),
		inbound:  newMPSCRing(),
		internal: newChunkedQueue(),
		registry: newRegistry(),
		doneCh:   make(chan struct{}),
	}

	defaultGrp := &ScheduleGroup{
		id:       0,
		name:     "default",
		shares:   100,
		shard:    s,
		queue:    newChunkedQueue(),
		specific: make(map[uint64]any),
	}
	s.groups[0] = defaultGrp
	s.defaultGrp = defaultGrp

	wakeFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	s.wakeFd = wakeFd

	p, err := newPoller()
	if err != nil {
		_ = closeFD(wakeFd)
		return nil, err
	}
	s.poller = p

	if err := p.RegisterFD(wakeFd, EventRead, func(IOEvents) { s.drainWake() }); err != nil {
		_ = p.Close()
		_ = closeFD(wakeFd)
		return nil, err
	}

	return s, nil
}

// CurrentShardID returns the index this shard was constructed with.
func (s *Shard) CurrentShardID() int { return s.id }

// DefaultGroup returns the always-present scheduling group every Shard is
// constructed with, used for work that doesn't care which group it runs
// under.
func (s *Shard) DefaultGroup() *ScheduleGroup { return s.defaultGrp }

// Run starts the shard's run loop on the calling goroutine and blocks
// until it terminates, via Stop or ctx being done. Calling Run again on a
// shard that has already run, or calling it from the shard's own run-loop
// goroutine, is an error.
func (s *Shard) Run(ctx context.Context) error {
	if s.isOnShardGoroutine() {
		return ErrReentrantRun
	}
	if !s.state.TryTransition(StateAwake, StateRunning) {
		if s.state.Load() == StateTerminated {
			return ErrShardStopped
		}
		return ErrShardAlreadyRunning
	}

	defer close(s.doneCh)

	s.tickAnchor = time.Now()
	s.tickElapsed.Store(0)

	return s.run(ctx)
}

func (s *Shard) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.goroutineID.Store(getGoroutineID())
	defer s.goroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.requestStop()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		state := s.state.Load()
		if state == StateTerminating || state == StateTerminated {
			s.drainAndStop()
			return ctx.Err()
		}
		s.tick()
	}
}

// Stop requests the shard terminate: it finishes draining whatever is
// already queued, then exits its run loop. Stop does not block; call
// WaitForStop to wait for the run loop to actually exit. Calling Stop
// before Run transitions the shard straight to StateTerminated, since
// there is no loop to drain.
func (s *Shard) Stop() {
	s.stopOnce.Do(func() {
		for {
			cur := s.state.Load()
			if cur == StateTerminating || cur == StateTerminated {
				return
			}
			if s.state.TryTransition(cur, StateTerminating) {
				if cur == StateAwake {
					s.state.Store(StateTerminated)
					s.registry.RejectAll(ErrShardStopped)
					s.closeResources()
					close(s.doneCh)
				} else if cur == StateSleeping {
					s.wake()
				}
				return
			}
		}
	})
}

func (s *Shard) requestStop() {
	for {
		cur := s.state.Load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if s.state.TryTransition(cur, StateTerminating) {
			if cur == StateSleeping {
				s.wake()
			}
			return
		}
	}
}

// WaitForStop blocks until the shard's run loop has fully drained and
// exited, or ctx is done first.
func (s *Shard) WaitForStop(ctx context.Context) error {
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainAndStop runs once, from the run loop itself, after it observes
// StateTerminating: it rejects new work implicitly (by virtue of no
// further tick() calls happening), drains whatever was already queued,
// force-settles every still-pending Promise via the registry, and
// releases the shard's wake-fd and poller.
func (s *Shard) drainAndStop() {
	s.state.Store(StateTerminated)

	for {
		drained := false

		for {
			fn := s.inbound.Pop()
			if fn == nil {
				break
			}
			s.safeExecute(fn)
			drained = true
		}

		for {
			task, ok := s.internal.Pop()
			if !ok {
				break
			}
			s.safeExecute(task)
			drained = true
		}

		s.groupsMu.Lock()
		groups := append([]*ScheduleGroup(nil), s.groups[:]...)
		s.groupsMu.Unlock()
		for _, g := range groups {
			if g == nil {
				continue
			}
			for {
				task, ok := g.queue.Pop()
				if !ok {
					break
				}
				s.safeExecute(task)
				drained = true
			}
		}

		if !drained {
			break
		}
	}

	s.registry.RejectAll(ErrShardStopped)
	s.closeResources()
}

func (s *Shard) closeResources() {
	if s.poller != nil {
		_ = s.poller.Close()
	}
	_ = closeFD(s.wakeFd)
}

// tick is a single iteration of the run loop: fire due timers, drain
// cross-goroutine submissions and framework-internal tasks, run a budget
// of scheduling-group work, then block (or not) waiting for the next
// timer or I/O readiness event.
func (s *Shard) tick() {
	s.tickElapsed.Store(int64(time.Since(s.tickAnchor)))

	s.runTimers()
	s.processInbound()
	s.processInternal()
	s.runScheduleGroups()
	s.pollStep()
}

func (s *Shard) processInbound() {
	const budget = 1024
	for i := 0; i < budget; i++ {
		fn := s.inbound.Pop()
		if fn == nil {
			return
		}
		s.safeExecute(fn)
	}
}

func (s *Shard) processInternal() {
	const budget = 1024
	for i := 0; i < budget; i++ {
		task, ok := s.internal.Pop()
		if !ok {
			return
		}
		s.safeExecute(task)
	}
}

// runScheduleGroups runs a bounded batch of tasks, one at a time, picking
// the non-empty group with the smallest vruntime before each, so that no
// single group can monopolize a tick at the expense of the others'
// fairness.
func (s *Shard) runScheduleGroups() {
	const budget = 256
	for i := 0; i < budget; i++ {
		g := s.selectNextGroup()
		if g == nil {
			return
		}
		task, ok := g.queue.Pop()
		if !ok {
			continue
		}

		s.runningGroup.Store(g)
		start := time.Now()
		s.sliceDeadline = start.Add(defaultSliceDuration)

		s.safeExecute(task)

		g.billRuntime(int64(time.Since(start)), s.opts.metricsEnabled)
		s.runningGroup.Store(nil)
	}
}

// NeedPreempt reports whether the task currently running on this shard
// has used up its time slice and should voluntarily yield at its next
// opportunity. There is no true preemption: a task that ignores this
// keeps running.
func (s *Shard) NeedPreempt() bool {
	return !s.sliceDeadline.IsZero() && time.Now().After(s.sliceDeadline)
}

// pollStep transitions the shard to StateSleeping and blocks in the I/O
// poller for up to the next timer's deadline, unless there is already
// work queued.
func (s *Shard) pollStep() {
	if s.state.Load() != StateRunning {
		return
	}
	if !s.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	if s.hasPendingWork() {
		s.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	if s.state.Load() == StateTerminating {
		return
	}

	timeout := s.calculateTimeout()
	if s.poller != nil {
		if _, err := s.poller.PollIO(timeout); err != nil {
			s.state.Store(StateTerminating)
			return
		}
	} else if timeout > 0 {
		time.Sleep(time.Duration(timeout) * time.Millisecond)
	}

	s.state.TryTransition(StateSleeping, StateRunning)
}

func (s *Shard) hasPendingWork() bool {
	if !s.inbound.IsEmpty() || s.internal.Length() > 0 {
		return true
	}
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	for _, g := range s.groups {
		if g != nil && g.queue.Length() > 0 {
			return true
		}
	}
	return false
}

func (s *Shard) calculateTimeout() int {
	maxDelay := 10 * time.Second

	s.timersMu.Lock()
	if len(s.timers) > 0 {
		delay := s.timers[0].when.Sub(s.currentTime())
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}
	s.timersMu.Unlock()

	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}
	return int(maxDelay.Milliseconds())
}

// currentTime returns the shard's cached notion of "now", pinned to the
// start of the current tick so repeated calls within one tick agree.
func (s *Shard) currentTime() time.Time {
	if s.tickAnchor.IsZero() {
		return time.Now()
	}
	return s.tickAnchor.Add(time.Duration(s.tickElapsed.Load()))
}

// timerEntry is one armed timer, also the element type of timerHeap.
type timerEntry struct {
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

// timerHeap is a container/heap min-heap ordered by deadline, tie-broken
// by arrival order. It is guarded by Shard.timersMu rather than confined
// to the run-loop goroutine, since TimerHandle.Cancel (via
// Shard.CancelTimer) must be safe to call from any goroutine, e.g. from
// an AbortSource subscriber racing the timer it is meant to cancel.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// runTimers executes every timer whose deadline has passed, in deadline
// order.
func (s *Shard) runTimers() {
	for {
		s.timersMu.Lock()
		if len(s.timers) == 0 || s.timers[0].when.After(s.currentTime()) {
			s.timersMu.Unlock()
			return
		}
		e := heap.Pop(&s.timers).(*timerEntry)
		s.timersMu.Unlock()

		if e.fn != nil {
			s.safeExecute(e.fn)
		}
	}
}

// TimerHandle identifies a timer armed via Shard.ArmTimer, letting it be
// cancelled before it fires via Shard.CancelTimer.
type TimerHandle struct {
	shard *Shard
	entry *timerEntry
}

// ArmTimer schedules fn to run, on this shard, after delay. Safe to call
// from any goroutine.
func (s *Shard) ArmTimer(delay time.Duration, fn func()) TimerHandle {
	seq := s.timerSeq.Add(1)
	e := &timerEntry{fn: fn, seq: seq, index: -1, when: time.Now().Add(delay)}

	s.timersMu.Lock()
	heap.Push(&s.timers, e)
	s.timersMu.Unlock()

	s.wake()

	return TimerHandle{shard: s, entry: e}
}

// CancelTimer cancels a timer armed via ArmTimer, reporting whether it
// was still pending (true) or had already fired, been cancelled, or
// belongs to a different shard (false).
func (s *Shard) CancelTimer(h TimerHandle) bool {
	if h.shard != s || h.entry == nil {
		return false
	}
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if h.entry.index < 0 {
		return false
	}
	heap.Remove(&s.timers, h.entry.index)
	return true
}

// Schedule enqueues fn onto group's ready queue (the default group if
// group is nil). Safe to call from any goroutine: called from the
// shard's own run-loop goroutine, fn is pushed directly; called from
// elsewhere, fn is handed off through the lock-free inbound queue and the
// shard is woken if it was sleeping.
func (s *Shard) Schedule(group *ScheduleGroup, fn func()) {
	if fn == nil {
		return
	}
	if group == nil {
		group = s.defaultGrp
	}
	if s.isOnShardGoroutine() {
		group.queue.Push(fn)
		return
	}
	if s.state.Load() == StateTerminated {
		// the run loop that would ever drain this queue has already
		// exited; run fn directly rather than enqueuing it forever.
		s.safeExecute(fn)
		return
	}
	s.inbound.Push(func() { group.queue.Push(fn) })
	s.wake()
}

// ScheduleInternal enqueues fn onto the shard's framework-priority queue,
// drained ahead of every scheduling group each tick. It is used for
// combinator and timer bookkeeping that should not be subject to a
// user-defined group's share weight.
func (s *Shard) ScheduleInternal(fn func()) {
	if fn == nil {
		return
	}
	if s.isOnShardGoroutine() {
		s.internal.Push(fn)
		return
	}
	if s.state.Load() == StateTerminated {
		s.safeExecute(fn)
		return
	}
	s.inbound.Push(func() { s.internal.Push(fn) })
	s.wake()
}

// currentOrDefaultGroup returns the scheduling group a newly-created
// Promise/Future should be billed to: the group currently executing, if
// called from within a task on this shard's own goroutine, or the
// default group otherwise.
func (s *Shard) currentOrDefaultGroup() *ScheduleGroup {
	if s.isOnShardGoroutine() {
		if g := s.runningGroup.Load(); g != nil {
			return g
		}
	}
	return s.defaultGrp
}

func (s *Shard) logger() Logger {
	return s.opts.logger
}

func (s *Shard) reportDefect(op string, cause error) {
	s.logger().ReportDefect(&DefectError{Op: op, Cause: cause})
}

// safeExecute runs fn with panic recovery, reporting a recovered panic as
// a framework defect rather than letting it unwind the run loop and take
// down every other task the shard is responsible for.
func (s *Shard) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			s.reportDefect("task", &PanicError{Value: r, Stack: stack[:n]})
		}
	}()
	fn()
}

// RegisterFD, UnregisterFD and ModifyFD delegate to the shard's poller;
// see poller_linux.go.
func (s *Shard) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	return s.poller.RegisterFD(fd, events, cb)
}

func (s *Shard) UnregisterFD(fd int) error {
	return s.poller.UnregisterFD(fd)
}

func (s *Shard) ModifyFD(fd int, events IOEvents) error {
	return s.poller.ModifyFD(fd, events)
}

func (s *Shard) wake() {
	if st := s.state.Load(); st != StateSleeping && st != StateTerminating {
		return
	}
	if !s.wakePending.CompareAndSwap(0, 1) {
		return
	}
	buf := [8]byte{1}
	if _, err := writeFD(s.wakeFd, buf[:]); err != nil {
		s.wakePending.Store(0)
	}
}

func (s *Shard) drainWake() {
	var buf [8]byte
	for {
		if _, err := readFD(s.wakeFd, buf[:]); err != nil {
			break
		}
	}
	s.wakePending.Store(0)
}

// isOnShardGoroutine reports whether the calling goroutine is this
// shard's own run-loop goroutine.
func (s *Shard) isOnShardGoroutine() bool {
	id := s.goroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
