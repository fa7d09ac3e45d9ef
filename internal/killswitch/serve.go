package killswitch

import (
	"context"
	"time"
)

// ServeOptions configures Serve.
type ServeOptions struct {
	// TestInterval runs TestRecovery on a schedule. Zero disables it.
	TestInterval time.Duration
}

// Serve runs the long-lived controller: acknowledgments published on the
// bus are registered as they arrive, and recovery tests run every
// TestInterval. It returns when ctx is done.
func (c *Controller) Serve(ctx context.Context, opts ServeOptions) error {
	if c.bus == nil {
		return ErrNoBus
	}
	sub, err := c.bus.Subscribe(TopicAck)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	var tick <-chan time.Time
	if opts.TestInterval > 0 {
		ticker := time.NewTicker(opts.TestInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	c.log.Info("serving", "ack_topic", TopicAck, "test_interval", opts.TestInterval)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("serve stopped")
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				c.log.Warn("acknowledgment subscription closed")
				return ErrNoBus
			}
			c.handleAckMessage(ctx, msg.Payload)
		case <-tick:
			c.TestRecovery(ctx)
		}
	}
}
