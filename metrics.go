package shard

// GroupMetrics is a point-in-time snapshot of one ScheduleGroup's fairness
// accounting: how many nanoseconds of run-loop time it has been billed,
// and the vruntime the deficit-round-robin selector is currently using to
// rank it against its siblings. Only populated when the owning Shard was
// constructed WithMetrics(true); otherwise Runtime stays zero.
type GroupMetrics struct {
	ID       int
	Name     string
	Shares   int
	Runtime  int64
	VRuntime float64
	Queued   int
}

// Metrics returns a snapshot of every live scheduling group on s, in
// table order.
func (s *Shard) Metrics() []GroupMetrics {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()

	out := make([]GroupMetrics, 0, len(s.groups))
	for _, g := range s.groups {
		if g == nil {
			continue
		}
		out = append(out, GroupMetrics{
			ID:       g.id,
			Name:     g.name,
			Shares:   g.shares,
			Runtime:  g.runtime,
			VRuntime: g.vruntime,
			Queued:   g.queue.Length(),
		})
	}
	return out
}
