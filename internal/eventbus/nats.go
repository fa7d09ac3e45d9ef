package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultFlushTimeout bounds how long Publish waits for the server to confirm
// receipt when the caller's context has no deadline.
const DefaultFlushTimeout = 2 * time.Second

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL          string        // NATS server URL (e.g., "nats://localhost:4222")
	Token        string        // Authentication token
	Name         string        // Connection name shown in server monitoring
	FlushTimeout time.Duration // defaults to DefaultFlushTimeout
}

// NATS is a Bus carried over a NATS connection. Publish flushes so that a
// lost server surfaces as an error instead of silently buffering.
type NATS struct {
	cfg NATSConfig
	nc  *nats.Conn

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

var _ Bus = (*NATS)(nil)

// ConnectNATS dials the server. The connection reconnects on its own after
// transient failures; while disconnected Publish returns ErrUnavailable.
func ConnectNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.Name == "" {
		cfg.Name = "killswitch"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(cfg.FlushTimeout),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to NATS at %s: %v", ErrUnavailable, cfg.URL, err)
	}
	return &NATS{cfg: cfg, nc: nc, subs: make(map[*Subscription]struct{})}, nil
}

// Publish sends payload on topic and waits for the server to acknowledge the flush.
func (b *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("%w: publishing %s: %v", ErrUnavailable, topic, err)
	}
	return b.flush(ctx)
}

// Subscribe relays NATS messages matching pattern onto a channel. NATS
// wildcards ("*", ">") are passed through unchanged.
func (b *NATS) Subscribe(pattern string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	raw := make(chan *nats.Msg, subscriberBuffer)
	ns, err := b.nc.ChanSubscribe(pattern, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	// The server must know about the interest before the caller relies on it.
	if err := b.nc.FlushTimeout(b.cfg.FlushTimeout); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("%w: subscribing to %s: %v", ErrUnavailable, pattern, err)
	}

	out := make(chan Message, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case m := <-raw:
				msg := Message{Topic: m.Subject, Payload: m.Data, SentAt: time.Now().UTC()}
				select {
				case out <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	var sub *Subscription
	sub = NewSubscription(out, func() {
		_ = ns.Unsubscribe()
		close(done)
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	})
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATS) Ping(ctx context.Context) error {
	if err := b.usable(); err != nil {
		return err
	}
	return b.flush(ctx)
}

// Close cancels every subscription and closes the connection.
func (b *NATS) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	b.nc.Close()
	return nil
}

// Connected reports whether the underlying connection is currently up.
func (b *NATS) Connected() bool {
	return b.nc.IsConnected()
}

func (b *NATS) usable() error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || b.nc.IsClosed() {
		return ErrClosed
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("%w: NATS connection is %v", ErrUnavailable, b.nc.Status())
	}
	return nil
}

func (b *NATS) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.FlushTimeout)
		defer cancel()
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flushing NATS connection: %v", ErrUnavailable, err)
	}
	return nil
}
