package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateEnterLeaveBalanced(t *testing.T) {
	s := newTestShard(t)
	g := NewGate(s)

	require.NoError(t, g.Enter())
	require.NoError(t, g.Enter())
	assert.Equal(t, 2, g.Count())

	g.Leave()
	assert.Equal(t, 1, g.Count())
	g.Leave()
	assert.Equal(t, 0, g.Count())
}

func TestGateCloseWithNoStragglersResolvesImmediately(t *testing.T) {
	s := newTestShard(t)
	g := NewGate(s)

	f := g.Close()
	assert.True(t, f.Ready())
	assert.True(t, g.IsClosed())
}

func TestGateEnterAfterCloseFails(t *testing.T) {
	s := newTestShard(t)
	g := NewGate(s)
	g.Close()

	assert.ErrorIs(t, g.Enter(), ErrGateClosed)
}

func TestGateCloseWaitsForStragglers(t *testing.T) {
	s := startTestShard(t)
	g := NewGate(s)

	require.NoError(t, g.Enter())

	closeFuture := make(chan Future[struct{}], 1)
	s.Schedule(nil, func() { closeFuture <- g.Close() })
	f := <-closeFuture

	assert.False(t, f.Ready())

	s.Schedule(nil, g.Leave)

	done := make(chan struct{})
	addContinuation(f, func(_ struct{}, err error) {
		require.NoError(t, err)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gate close future never resolved")
	}
}

func TestGateCloseWithTimeoutFiresWhenStragglerOutlivesDeadline(t *testing.T) {
	s := startTestShard(t)
	g := NewGate(s)

	require.NoError(t, g.Enter())

	gotErr := make(chan error, 1)
	s.Schedule(nil, func() {
		f := GateCloseWithTimeout(s, g, 20*time.Millisecond)
		addContinuation(f, func(_ struct{}, err error) { gotErr <- err })
	})

	select {
	case err := <-gotErr:
		assert.ErrorIs(t, err, ErrGateCloseTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("gate close with timeout never settled")
	}
}

func TestGateCloseWithTimeoutResolvesBeforeDeadlineIfDrained(t *testing.T) {
	s := startTestShard(t)
	g := NewGate(s)

	require.NoError(t, g.Enter())

	gotErr := make(chan error, 1)
	s.Schedule(nil, func() {
		f := GateCloseWithTimeout(s, g, 2*time.Second)
		addContinuation(f, func(_ struct{}, err error) { gotErr <- err })
	})

	s.Schedule(nil, g.Leave)

	select {
	case err := <-gotErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gate close with timeout never settled")
	}
}
