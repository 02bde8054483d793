package shard

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestScheduleGroupFairness drives two scheduling groups with a 1:2 share
// ratio against a shared Shard and checks that the deficit-round-robin
// selector apportions iterations in roughly that ratio over wall time.
func TestScheduleGroupFairness(t *testing.T) {
	s := startTestShard(t, WithMetrics(true))

	light, err := s.CreateScheduleGroup("fairness-light", WithShares(100))
	if err != nil {
		t.Fatalf("CreateScheduleGroup(light): %v", err)
	}
	heavy, err := s.CreateScheduleGroup("fairness-heavy", WithShares(200))
	if err != nil {
		t.Fatalf("CreateScheduleGroup(heavy): %v", err)
	}

	var lightCount, heavyCount int64
	var stop atomic.Bool

	var driveLight, driveHeavy func()
	driveLight = func() {
		if stop.Load() {
			return
		}
		atomic.AddInt64(&lightCount, 1)
		s.Schedule(light, driveLight)
	}
	driveHeavy = func() {
		if stop.Load() {
			return
		}
		atomic.AddInt64(&heavyCount, 1)
		s.Schedule(heavy, driveHeavy)
	}

	s.Schedule(light, driveLight)
	s.Schedule(heavy, driveHeavy)

	time.Sleep(2 * time.Second)
	stop.Store(true)
	time.Sleep(20 * time.Millisecond)

	lightN := atomic.LoadInt64(&lightCount)
	heavyN := atomic.LoadInt64(&heavyCount)
	if lightN == 0 || heavyN == 0 {
		t.Fatalf("expected both groups to make progress, got light=%d heavy=%d", lightN, heavyN)
	}

	ratio := float64(heavyN) / float64(lightN)
	if ratio < 1.8 || ratio > 2.2 {
		t.Fatalf("iteration ratio %.3f outside [1.8, 2.2] (light=%d heavy=%d, want heavy/light near 2.0 given 100/200 shares)", ratio, lightN, heavyN)
	}

	if light.AccumulatedRuntime() == 0 || heavy.AccumulatedRuntime() == 0 {
		t.Fatalf("expected WithMetrics(true) to bill runtime to both groups")
	}
}
