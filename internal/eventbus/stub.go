package eventbus

import (
	"context"
	"sync"
)

// Stub wraps a Bus and injects errors, for exercising degraded paths.
//
// Example:
//
//	stub := eventbus.NewStub(eventbus.NewLocal())
//	stub.SetPublishErr(eventbus.ErrUnavailable)
//	// Publish now fails; Subscribe still works.
type Stub struct {
	Bus

	mu           sync.Mutex
	publishErr   error
	pingErr      error
	publishCalls int
}

// NewStub creates a stub wrapping bus.
func NewStub(bus Bus) *Stub {
	return &Stub{Bus: bus}
}

// SetPublishErr makes every Publish return err (nil restores delivery).
func (s *Stub) SetPublishErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishErr = err
}

// SetPingErr makes every Ping return err (nil restores the wrapped Ping).
func (s *Stub) SetPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// PublishCalls returns how many times Publish was called.
func (s *Stub) PublishCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishCalls
}

// Publish returns the injected error or delegates.
func (s *Stub) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	s.publishCalls++
	err := s.publishErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, topic, payload)
}

// Ping returns the injected error or delegates.
func (s *Stub) Ping(ctx context.Context) error {
	s.mu.Lock()
	err := s.pingErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Bus.Ping(ctx)
}
