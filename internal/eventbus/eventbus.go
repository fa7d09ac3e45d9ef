// Package eventbus provides the pub/sub broadcast channel the kill switch uses
// to reach agents.
//
// Bus is the transport-neutral contract. Local is an in-process broadcast bus
// for single-process hosts and tests; NATS carries the same contract across
// processes. Subscriptions deliver messages over a channel and are cancelled
// through their handle.
package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned when publishing to or subscribing on a closed bus.
	ErrClosed = errors.New("event bus closed")

	// ErrUnavailable is returned when the bus cannot reach its transport.
	ErrUnavailable = errors.New("event bus unavailable")
)

// Message is one published payload.
type Message struct {
	Topic   string
	Payload []byte
	SentAt  time.Time
}

// Bus is a pub/sub broadcast channel.
type Bus interface {
	// Publish delivers payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a subscription receiving messages whose topic matches
	// pattern. A trailing ".>" matches every topic under the prefix.
	Subscribe(pattern string) (*Subscription, error)

	// Ping checks that the bus can currently deliver messages.
	Ping(ctx context.Context) error

	// Close shuts the bus down and closes every subscription channel.
	Close() error
}

// Subscription is a cancellable handle on a stream of messages.
type Subscription struct {
	// C receives matching messages. It is closed when the subscription is
	// cancelled or the bus closes.
	C <-chan Message

	cancel func()
	once   sync.Once
}

// NewSubscription wraps a channel and its cancel function. Used by Bus
// implementations.
func NewSubscription(c <-chan Message, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Cancel unsubscribes. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// MatchTopic reports whether topic matches pattern. Patterns are exact topics
// or a prefix followed by ".>".
func MatchTopic(pattern, topic string) bool {
	if pattern == ">" {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, ">"))
	}
	return pattern == topic
}

// subscriberBuffer is the channel depth per subscriber.
const subscriberBuffer = 100

type localSub struct {
	pattern string
	ch      chan Message
}

// Local is an in-process event bus.
// It uses a simple broadcast pattern where every matching subscriber receives
// every event. Thread-safe for concurrent publish/subscribe operations.
type Local struct {
	mu          sync.RWMutex
	subscribers map[int]*localSub
	nextID      int
	closed      bool
	dropped     atomic.Int64
}

// NewLocal creates a new in-process event bus.
func NewLocal() *Local {
	return &Local{
		subscribers: make(map[int]*localSub),
	}
}

var _ Bus = (*Local)(nil)

// Subscribe creates a new subscription. The channel has a buffer to avoid
// blocking publishers.
func (b *Local) Subscribe(pattern string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Message, subscriberBuffer)
	b.subscribers[id] = &localSub{pattern: pattern, ch: ch}

	return NewSubscription(ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			close(sub.ch)
			delete(b.subscribers, id)
		}
	}), nil
}

// Publish sends a message to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the message is dropped for
// that subscriber and counted in Dropped.
func (b *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), SentAt: time.Now().UTC()}
	for _, sub := range b.subscribers {
		if !MatchTopic(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Ping fails only once the bus is closed.
func (b *Local) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}

// SubscriberCount returns the current number of subscribers.
func (b *Local) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were dropped because a subscriber was full.
func (b *Local) Dropped() int64 {
	return b.dropped.Load()
}
