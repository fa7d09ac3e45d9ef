package agent

import (
	"sort"
	"sync"
)

// Double is a FAKE with SPY capabilities for ObserverStopper.
//
// Test Double Taxonomy (Meszaros/Fowler):
//   - FAKE: Working in-memory implementation (no real processes)
//   - SPY: Records method calls for verification (StopCalls, ExistsCalls)
//
// Agents can be marked stubborn to simulate processes that survive a stop.
// For error injection, wrap with Stub.
type Double struct {
	mu          sync.RWMutex
	running     map[string]bool
	stubborn    map[string]bool
	stopCalls   []StopCall
	existsCalls int
}

// StopCall records a call to Stop() for test verification.
type StopCall struct {
	ID       string
	Graceful bool
}

// NewDouble creates a new in-memory runtime double.
func NewDouble() *Double {
	return &Double{
		running:  make(map[string]bool),
		stubborn: make(map[string]bool),
	}
}

// Ensure Double implements ObserverStopper
var _ ObserverStopper = (*Double)(nil)

// Start marks agents as running.
func (d *Double) Start(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.running[id] = true
	}
}

// Halt marks an agent as exited on its own, as if it obeyed a stop signal.
func (d *Double) Halt(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, id)
}

// Stubborn makes Stop leave the agent running.
func (d *Double) Stubborn(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stubborn[id] = true
}

// Exists reports whether the agent is running.
func (d *Double) Exists(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.existsCalls++
	return d.running[id], nil
}

// Stop removes the agent unless it is stubborn, and records the call.
func (d *Double) Stop(id string, graceful bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCalls = append(d.stopCalls, StopCall{ID: id, Graceful: graceful})
	if !d.stubborn[id] {
		delete(d.running, id)
	}
	return nil
}

// StopCalls returns a copy of recorded Stop calls.
func (d *Double) StopCalls() []StopCall {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]StopCall(nil), d.stopCalls...)
}

// ExistsCalls returns how many liveness checks were made.
func (d *Double) ExistsCalls() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.existsCalls
}

// Running returns the ids of running agents, sorted.
func (d *Double) Running() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
