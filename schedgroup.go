package shard

import "sync"

// maxScheduleGroups is the fixed size of a Shard's scheduling-group index
// table, matching Seastar's max_scheduling_groups() == 16.
const maxScheduleGroups = 16

// ScheduleGroup is a named bucket of work with a share weight, used to
// apportion a Shard's CPU time across unrelated workloads cooperatively:
// groups with more shares get picked more often by the run loop's
// deficit-round-robin selector, but none of them can be preempted mid-task
// (that remains a Non-goal; see RunState/need_preempt).
type ScheduleGroup struct {
	id       int
	name     string
	shares   int
	shard    *Shard
	queue    *chunkedQueue
	vruntime float64
	runtime  int64 // accumulated nanoseconds billed to this group

	mu       sync.Mutex
	specific map[uint64]any
}

// ID returns the group's index in its shard's fixed-size table.
func (g *ScheduleGroup) ID() int { return g.id }

// Name returns the name the group was created with.
func (g *ScheduleGroup) Name() string { return g.name }

// Shares returns the group's current share weight.
func (g *ScheduleGroup) Shares() int { return g.shares }

// SetShares changes the group's share weight for future selection
// decisions. It does not retroactively adjust the group's vruntime.
func (g *ScheduleGroup) SetShares(shares int) {
	if shares < 1 {
		shares = 1
	}
	g.shares = shares
}

// AccumulatedRuntime returns the total time billed to this group so far.
// Only meaningful when the owning Shard was constructed WithMetrics(true).
func (g *ScheduleGroup) AccumulatedRuntime() int64 {
	return g.runtime
}

// CreateScheduleGroup registers a new ScheduleGroup on the shard, failing
// with ErrTooManyScheduleGroups once the fixed 16-slot table is full, and
// with ErrDuplicateScheduleGroupName if name is already taken (mirroring
// Seastar's duplicate-name rejection).
func (s *Shard) CreateScheduleGroup(name string, opts ...ScheduleGroupOption) (*ScheduleGroup, error) {
	cfg, err := resolveScheduleGroupOptions(opts)
	if err != nil {
		return nil, err
	}

	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()

	for _, g := range s.groups {
		if g != nil && g.name == name {
			return nil, WrapError("CreateScheduleGroup: "+name, ErrDuplicateScheduleGroupName)
		}
	}

	slot := -1
	for i, g := range s.groups {
		if g == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrTooManyScheduleGroups
	}

	g := &ScheduleGroup{
		id:       slot,
		name:     name,
		shares:   cfg.shares,
		shard:    s,
		queue:    newChunkedQueue(),
		specific: make(map[uint64]any),
	}
	s.groups[slot] = g
	return g, nil
}

// DestroyScheduleGroup frees a group's slot in the table once its ready
// queue is empty. It returns ErrUnknownScheduleGroup if g does not belong
// to this shard, and leaves the group in place (without error) if its
// queue still has pending tasks.
func (s *Shard) DestroyScheduleGroup(g *ScheduleGroup) error {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if g == nil || g.shard != s || s.groups[g.id] != g {
		return ErrUnknownScheduleGroup
	}
	if g.queue.Length() > 0 {
		return nil
	}
	s.groups[g.id] = nil
	return nil
}

// ScheduleGroupKey identifies a slot of per-scheduling-group storage of
// type T, lazily constructed the first time GetSpecific observes a given
// group. Grounded on Seastar's scheduling_group_key_create/get_specific.
type ScheduleGroupKey[T any] struct {
	id  uint64
	new func() T
}

var scheduleGroupKeyCounter uint64
var scheduleGroupKeyMu sync.Mutex

// NewScheduleGroupKey allocates a fresh key for per-group storage of type
// T, constructed on first access via newValue.
func NewScheduleGroupKey[T any](newValue func() T) ScheduleGroupKey[T] {
	scheduleGroupKeyMu.Lock()
	scheduleGroupKeyCounter++
	id := scheduleGroupKeyCounter
	scheduleGroupKeyMu.Unlock()
	if newValue == nil {
		newValue = func() T { var zero T; return zero }
	}
	return ScheduleGroupKey[T]{id: id, new: newValue}
}

// GetSpecific returns a pointer to g's instance of key's storage,
// constructing it on first access.
func GetSpecific[T any](g *ScheduleGroup, key ScheduleGroupKey[T]) *T {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.specific[key.id]; ok {
		return v.(*T)
	}
	val := key.new()
	ptr := &val
	g.specific[key.id] = ptr
	return ptr
}

// ReduceSpecific folds fn over every live scheduling group's instance of
// key's storage, in table order.
func ReduceSpecific[T, R any](s *Shard, key ScheduleGroupKey[T], initial R, fn func(R, *T) R) R {
	acc := initial
	s.groupsMu.Lock()
	groups := append([]*ScheduleGroup(nil), s.groups[:]...)
	s.groupsMu.Unlock()
	for _, g := range groups {
		if g == nil {
			continue
		}
		acc = fn(acc, GetSpecific(g, key))
	}
	return acc
}

// MapReduceSpecific maps every live scheduling group's instance of key's
// storage through mapFn, then folds the results with reduceFn, in table
// order.
func MapReduceSpecific[T, M, R any](s *Shard, key ScheduleGroupKey[T], mapFn func(*T) M, initial R, reduceFn func(R, M) R) R {
	acc := initial
	s.groupsMu.Lock()
	groups := append([]*ScheduleGroup(nil), s.groups[:]...)
	s.groupsMu.Unlock()
	for _, g := range groups {
		if g == nil {
			continue
		}
		acc = reduceFn(acc, mapFn(GetSpecific(g, key)))
	}
	return acc
}

// selectNextGroup picks the non-empty group with the smallest vruntime,
// implementing deficit-round-robin scheduling across shares-weighted
// groups. Returns nil if every group is empty.
func (s *Shard) selectNextGroup() *ScheduleGroup {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	var best *ScheduleGroup
	for _, g := range s.groups {
		if g == nil || g.queue.Length() == 0 {
			continue
		}
		if best == nil || g.vruntime < best.vruntime {
			best = g
		}
	}
	return best
}

// billRuntime charges elapsedNanos of execution to g, advancing its
// vruntime by elapsed/shares and, if metrics are enabled, its cumulative
// AccumulatedRuntime.
func (g *ScheduleGroup) billRuntime(elapsedNanos int64, metricsEnabled bool) {
	g.vruntime += float64(elapsedNanos) / float64(g.shares)
	if metricsEnabled {
		g.runtime += elapsedNanos
	}
}
