package agent

import (
	"fmt"
	"time"
)

// DefaultGracePeriod is how long a graceful Stop waits after SIGTERM before
// sending SIGKILL.
const DefaultGracePeriod = 2 * time.Second

// PIDLookup resolves an agent id to its process id.
type PIDLookup func(id string) (pid int, ok bool)

// ProcessRuntime observes and stops agents as OS processes. Liveness is a
// signal-0 probe on the agent's PID.
type ProcessRuntime struct {
	lookup       PIDLookup
	grace        time.Duration
	pollInterval time.Duration
}

// Ensure ProcessRuntime implements ObserverStopper
var _ ObserverStopper = (*ProcessRuntime)(nil)

// NewProcessRuntime creates a runtime that resolves PIDs through lookup.
// A non-positive grace uses DefaultGracePeriod.
func NewProcessRuntime(lookup PIDLookup, grace time.Duration) *ProcessRuntime {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &ProcessRuntime{
		lookup:       lookup,
		grace:        grace,
		pollInterval: 50 * time.Millisecond,
	}
}

// PIDsFromMap returns a PIDLookup backed by a fixed map.
func PIDsFromMap(pids map[string]int) PIDLookup {
	return func(id string) (int, bool) {
		pid, ok := pids[id]
		return pid, ok && pid > 0
	}
}

// Exists reports whether the agent's process is alive. An agent with no
// known PID cannot be verified and yields ErrUnknownAgent.
func (r *ProcessRuntime) Exists(id string) (bool, error) {
	pid, err := r.pid(id)
	if err != nil {
		return false, err
	}
	return processAlive(pid)
}

// Stop terminates the agent's process. A graceful stop sends SIGTERM and
// escalates to SIGKILL once the grace period passes.
func (r *ProcessRuntime) Stop(id string, graceful bool) error {
	pid, err := r.pid(id)
	if err != nil {
		return err
	}

	if graceful {
		if err := terminate(pid); err != nil {
			return fmt.Errorf("terminating agent %s (pid %d): %w", id, pid, err)
		}
		deadline := time.Now().Add(r.grace)
		for time.Now().Before(deadline) {
			alive, err := processAlive(pid)
			if err != nil {
				return err
			}
			if !alive {
				return nil
			}
			time.Sleep(r.pollInterval)
		}
	}

	if err := kill(pid); err != nil {
		return fmt.Errorf("killing agent %s (pid %d): %w", id, pid, err)
	}
	return nil
}

func (r *ProcessRuntime) pid(id string) (int, error) {
	if r.lookup == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	pid, ok := r.lookup(id)
	if !ok || pid <= 0 {
		return 0, fmt.Errorf("%w: no pid recorded for %s", ErrUnknownAgent, id)
	}
	return pid, nil
}
