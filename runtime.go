package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Runtime owns a fixed pool of Shards, one per OS thread, and starts/stops
// them together. It is deliberately thin: cross-shard messaging is an
// explicit Non-goal, so Runtime exists only to construct and run a pool,
// not to route work between its members. Callers that need shard N's
// work to reach shard M do so with their own explicit channel or queue,
// outside this package.
type Runtime struct {
	shards []*Shard
}

// NewRuntime constructs a Runtime of n Shards, numbered 0..n-1, applying
// opts to every shard it creates.
func NewRuntime(n int, opts ...RuntimeOption) (*Runtime, error) {
	if n <= 0 {
		return nil, fmt.Errorf("shard: Runtime requires at least one shard, got %d", n)
	}

	cfg, err := resolveRuntimeOptions(opts)
	if err != nil {
		return nil, err
	}

	shards := make([]*Shard, n)
	for i := 0; i < n; i++ {
		s, err := New(i, cfg.shardOptions...)
		if err != nil {
			for _, created := range shards[:i] {
				created.Stop()
			}
			return nil, fmt.Errorf("shard: Runtime: creating shard %d: %w", i, err)
		}
		shards[i] = s
	}

	return &Runtime{shards: shards}, nil
}

// Shards returns the Runtime's shard pool, in index order.
func (r *Runtime) Shards() []*Shard {
	return r.shards
}

// Shard returns the shard at index i, or nil if out of range.
func (r *Runtime) Shard(i int) *Shard {
	if i < 0 || i >= len(r.shards) {
		return nil
	}
	return r.shards[i]
}

// Run starts every shard's run loop, each on its own goroutine, and
// blocks until all of them have exited - either because ctx was done, or
// because every shard was independently stopped. It returns the first
// non-nil, non-context.Canceled error any shard's Run returned.
func (r *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(r.shards))

	for i, s := range r.shards {
		wg.Add(1)
		go func(i int, s *Shard) {
			defer wg.Done()
			errs[i] = s.Run(ctx)
		}(i, s)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// CreateScheduleGroup registers a like-named, like-configured ScheduleGroup
// on every shard in the pool, so a caller can address the group by name
// from any shard without separately creating it there first. If any shard
// fails to register the group - a duplicate name, or its 16-slot table
// already full - every shard that already succeeded has its group torn
// down again, and the returned Future fails with that shard's error. The
// returned Future resolves with shard 0's *ScheduleGroup as the
// representative handle; the other shards' groups share the same name and
// shares, but each shard places its group in its own first free table
// slot, so the slot IDs can differ between shards.
func (r *Runtime) CreateScheduleGroup(name string, opts ...ScheduleGroupOption) Future[*ScheduleGroup] {
	created := make([]*ScheduleGroup, 0, len(r.shards))
	for _, s := range r.shards {
		g, err := s.CreateScheduleGroup(name, opts...)
		if err != nil {
			for _, c := range created {
				c.shard.DestroyScheduleGroup(c)
			}
			return MakeExceptionFuture[*ScheduleGroup](r.shards[0], fmt.Errorf("shard: Runtime: CreateScheduleGroup %q: %w", name, err))
		}
		created = append(created, g)
	}
	return MakeReadyFuture(r.shards[0], created[0])
}

// Stop requests every shard in the pool terminate. It does not block; call
// WaitForStop to wait for every shard's run loop to actually exit.
func (r *Runtime) Stop() {
	for _, s := range r.shards {
		s.Stop()
	}
}

// WaitForStop blocks until every shard has fully drained and exited, or
// ctx is done first.
func (r *Runtime) WaitForStop(ctx context.Context) error {
	for _, s := range r.shards {
		if err := s.WaitForStop(ctx); err != nil {
			return err
		}
	}
	return nil
}
