package agent

// =============================================================================
// Test Stubs for Error Injection
//
// Test Double Taxonomy (Meszaros/Fowler):
//   - STUB: Provides canned responses and error injection
//   - Wraps a FAKE (Double) for normal operations
//   - Intercepts specific methods to return configured errors
//
// Exported so other packages (e.g., killswitch) can use them for testing.
// =============================================================================

// Stub is a STUB wrapper for testing error paths.
// Wraps an ObserverStopper (typically Double) and injects errors.
//
// Example:
//
//	fake := agent.NewDouble()
//	stub := agent.NewStub(fake)
//	stub.StopErr = errors.New("permission denied")
//	// Now Stop will return the injected error
type Stub struct {
	ObserverStopper

	// Inject errors for specific operations
	ExistsErr error
	StopErr   error
}

// NewStub creates a new stub wrapping the given runtime.
func NewStub(wrapped ObserverStopper) *Stub {
	return &Stub{ObserverStopper: wrapped}
}

// Exists checks liveness, or returns ExistsErr if set.
func (s *Stub) Exists(id string) (bool, error) {
	if s.ExistsErr != nil {
		return false, s.ExistsErr
	}
	return s.ObserverStopper.Exists(id)
}

// Stop terminates an agent, or returns StopErr if set.
func (s *Stub) Stop(id string, graceful bool) error {
	if s.StopErr != nil {
		return s.StopErr
	}
	return s.ObserverStopper.Stop(id, graceful)
}
