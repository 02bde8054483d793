package shard

import (
	"fmt"
	"sync"
	"time"
)

// Gate lets in-flight asynchronous work register itself, so a shutdown
// sequence can wait for every registered operation to finish before
// tearing down whatever those operations depend on.
type Gate struct {
	shard *Shard

	mu     sync.Mutex
	count  int
	closed bool
	closeP *Promise[struct{}]
}

// NewGate creates an open Gate scheduled against s.
func NewGate(s *Shard) *Gate {
	return &Gate{shard: s}
}

// Enter registers one unit of in-flight work, returning ErrGateClosed if
// the gate has already started closing. Every successful Enter must be
// paired with exactly one Leave.
func (g *Gate) Enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGateClosed
	}
	g.count++
	return nil
}

// Leave unregisters one unit of in-flight work. If a pending Close sees
// the count reach zero, its future resolves.
func (g *Gate) Leave() {
	g.mu.Lock()
	g.count--
	if g.count < 0 {
		g.count = 0
		g.mu.Unlock()
		if g.shard != nil {
			g.shard.reportDefect("Gate.Leave", fmt.Errorf("shard: Leave called without a matching Enter"))
		}
		return
	}

	var p Promise[struct{}]
	fire := g.closed && g.count == 0 && g.closeP != nil
	if fire {
		p = *g.closeP
		g.closeP = nil
	}
	g.mu.Unlock()

	if fire {
		p.SetValue(struct{}{})
	}
}

// Close marks the gate closed, rejecting every future Enter with
// ErrGateClosed, and returns a Future that resolves once every
// already-entered unit of work has called Leave. Close may be called
// only once; a second call is a framework defect and returns an
// already-resolved Future rather than hanging forever.
func (g *Gate) Close() Future[struct{}] {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		if g.shard != nil {
			g.shard.reportDefect("Gate.Close", fmt.Errorf("shard: Close called more than once"))
		}
		return MakeReadyFuture(g.shard, struct{}{})
	}
	g.closed = true
	if g.count == 0 {
		g.mu.Unlock()
		return MakeReadyFuture(g.shard, struct{}{})
	}
	p, f := NewPromise[struct{}](g.shard)
	g.closeP = &p
	g.mu.Unlock()
	return f
}

// IsClosed reports whether Close has been called.
func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Count returns the number of currently in-flight (entered, not yet
// left) units of work.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// GateCloseWithTimeout closes g and races its drain against a timer,
// resolving with ErrGateCloseTimedOut if d elapses before every entered
// unit of work has left.
func GateCloseWithTimeout(s *Shard, g *Gate, d time.Duration) Future[struct{}] {
	p, f := NewPromise[struct{}](s)
	closeF := g.Close()

	var (
		mu    sync.Mutex
		fired bool
		timer TimerHandle
	)

	timer = s.ArmTimer(d, func() {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		p.SetException(ErrGateCloseTimedOut)
	})

	addContinuation(closeF, func(_ struct{}, err error) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		s.CancelTimer(timer)
		if err != nil {
			p.SetException(err)
			return
		}
		p.SetValue(struct{}{})
	})

	return f
}
