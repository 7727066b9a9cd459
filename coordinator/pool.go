package coordinator

import (
	"sync"

	"github.com/inria-thoth/dicod/transport"
)

// PoolState is the lifecycle of a worker Pool (Design Notes §9: "represent as an explicit Pool value
// owned by the Coordinator, not as ambient state").
type PoolState int

const (
	PoolUninitialized PoolState = iota
	PoolRunning
	PoolShutDown
)

func (s PoolState) String() string {
	switch s {
	case PoolUninitialized:
		return "uninitialized"
	case PoolRunning:
		return "running"
	case PoolShutDown:
		return "shut-down"
	default:
		return "unknown"
	}
}

// Pool is the reusable worker pool of §4.7: a Fabric sized for W workers is expensive enough to build
// (one buffered channel per ordered worker pair) that it is worth amortizing across many solves with
// the same worker count, rather than rebuilding it every call.
type Pool struct {
	mu     sync.Mutex
	state  PoolState
	fabric *transport.Fabric
	size   int
}

// NewPool returns an uninitialized Pool. A Pool is only ever Acquired by one Coordinator at a time;
// concurrent Solve calls through the same Coordinator serialize on Acquire.
func NewPool() *Pool {
	return &Pool{state: PoolUninitialized}
}

// Acquire returns a Fabric sized for n workers, reusing the pool's existing one when n matches and the
// pool is not shut down.
func (p *Pool) Acquire(n int) (*transport.Fabric, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PoolShutDown {
		return nil, errPoolShutDown
	}
	if p.fabric == nil || p.size != n {
		p.fabric = transport.NewFabric(n)
		p.size = n
	}
	p.state = PoolRunning
	return p.fabric, nil
}

// Shutdown tears the pool down; a subsequent Acquire returns an error. Called once after a fatal
// transport error (§7: "Coordinator aborts and tears down the worker pool").
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PoolShutDown
	p.fabric = nil
}

// State reports the pool's current lifecycle state.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
