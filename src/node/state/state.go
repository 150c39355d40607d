package state

import (
	"sync"
	"sync/atomic"
)

// State captures the state of a cloudsync node: Idle, Running, or Shutdown
type State uint32

const (
	// Idle is the state of a node that is built but does not consume
	// discovery events yet.
	Idle State = iota

	// Running is the state in which a node admits peers and dispatches their
	// commands.
	Running

	// Shutdown is the state in which a node stops dispatching inbound
	// commands and waits for its routines to return.
	Shutdown
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Manager wraps a State with get and set methods. It also tracks the
// goroutines launched by the node so they can be waited for.
type Manager struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

// GetState returns the current state.
func (b *Manager) GetState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

// SetState sets the state.
func (b *Manager) SetState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// GoFunc launches a goroutine for a given function and increments the
// waitgroup.
func (b *Manager) GoFunc(f func()) {
	b.wg.Add(1)
	atomic.AddInt32(&b.wgCount, 1)
	go func() {
		defer b.wg.Done()
		defer atomic.AddInt32(&b.wgCount, -1)
		f()
	}()
}

// Routines returns the number of goroutines currently tracked.
func (b *Manager) Routines() int {
	return int(atomic.LoadInt32(&b.wgCount))
}

// WaitRoutines waits for all the goroutines in the waitgroup.
func (b *Manager) WaitRoutines() {
	b.wg.Wait()
}
