package shard

import (
	"context"
	"testing"
	"time"
)

// newTestShard constructs a Shard for tests that only need its
// scheduling-group/registry plumbing (e.g. to manufacture ready futures),
// without ever calling Run. It is closed automatically via t.Cleanup.
func newTestShard(t *testing.T) *Shard {
	t.Helper()
	s, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// startTestShard constructs a Shard and runs it on a background goroutine
// for the duration of the test, stopping and waiting for it to drain on
// cleanup.
func startTestShard(t *testing.T, opts ...ShardOption) *Shard {
	t.Helper()
	s, err := New(0, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		s.Stop()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		_ = s.WaitForStop(waitCtx)
	})

	return s
}
