// Package agent provides interfaces and implementations for observing and
// terminating agent processes.
package agent

import "errors"

var (
	// ErrNotRunning is returned when an operation targets an agent that is not alive.
	ErrNotRunning = errors.New("agent not running")

	// ErrUnknownAgent is returned when the runtime has no way to locate an agent.
	ErrUnknownAgent = errors.New("unknown agent")
)

// =============================================================================
// Segregated Interfaces
//
// Usage patterns:
//   - Code that only needs liveness: use Observer
//   - Code that needs to terminate agents: use Stopper
//   - Compliance verification: use ObserverStopper
// =============================================================================

// Observer provides read-only observation of agents.
//
// Implementations:
//   - agent.ProcessRuntime (production)
//   - agent.Double (fake for testing)
type Observer interface {
	// Exists reports whether the agent process is alive. An error means the
	// runtime could not determine liveness.
	Exists(id string) (bool, error)
}

// Stopper can stop agents.
type Stopper interface {
	// Stop terminates an agent process. A graceful stop asks the agent to
	// exit before killing it; a non-graceful stop kills it immediately.
	// Stopping an agent that is already gone is not an error.
	Stop(id string, graceful bool) error
}

// ObserverStopper combines observation and stop capabilities.
type ObserverStopper interface {
	Observer
	Stopper
}
