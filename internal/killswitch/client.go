package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/killswitch/internal/backuptrigger"
	"github.com/steveyegge/killswitch/internal/eventbus"
	"github.com/steveyegge/killswitch/internal/statestore"
)

// Acknowledger delivers an agent's acknowledgment to the controller.
// *Controller implements it for in-process agents.
type Acknowledger interface {
	RegisterAcknowledgment(ctx context.Context, agentID string, stopped bool) error
}

var _ Acknowledger = (*Controller)(nil)

// BusAcknowledger publishes acknowledgments on TopicAck for a serving
// controller to register.
type BusAcknowledger struct {
	Bus eventbus.Bus

	// TriggerID, when set, is stamped on each message so a controller can
	// discard acknowledgments for an older trigger.
	TriggerID func() string
}

// RegisterAcknowledgment implements Acknowledger.
func (a *BusAcknowledger) RegisterAcknowledgment(ctx context.Context, agentID string, stopped bool) error {
	msg := AckMessage{AgentID: agentID, Stopped: stopped, Timestamp: time.Now().UTC()}
	if a.TriggerID != nil {
		msg.TriggerID = a.TriggerID()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.Bus.Publish(ctx, TopicAck, payload)
}

// StoreAcknowledger writes acknowledgments straight into the state document
// under the store lock, for agents on the controller's host without a bus.
type StoreAcknowledger struct {
	Store *statestore.Store
}

// RegisterAcknowledgment implements Acknowledger.
func (a *StoreAcknowledger) RegisterAcknowledgment(ctx context.Context, agentID string, stopped bool) error {
	if err := checkAgentID(agentID); err != nil {
		return err
	}
	_, err := a.Store.Update(ctx, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotInitialized
		}
		d, err := decodeDocument(current)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		if err := d.applyAck(agentID, stopped, now); err != nil {
			return nil, err
		}
		d.UpdatedAt = now
		return encodeDocument(d)
	})
	return err
}

// ClientOptions configures a Client.
type ClientOptions struct {
	AgentID string

	// Bus delivers triggers. Required for OnTrigger.
	Bus eventbus.Bus

	// Acknowledger defaults to a BusAcknowledger on Bus.
	Acknowledger Acknowledger

	BackupTriggerPath string

	Logger *slog.Logger
}

// Client is the agent side of the kill switch. An agent subscribes with
// OnTrigger, stops its work when called, and acknowledges. At startup it
// calls MustNotStart so that a trigger delivered only through the backup
// file still keeps it down.
type Client struct {
	agentID    string
	bus        eventbus.Bus
	ack        Acknowledger
	backupPath string
	log        *slog.Logger

	mu          sync.Mutex
	lastTrigger string
}

// NewClient creates a Client for one agent.
func NewClient(opts ClientOptions) (*Client, error) {
	if err := checkAgentID(opts.AgentID); err != nil {
		return nil, err
	}
	if opts.BackupTriggerPath == "" {
		return nil, fmt.Errorf("killswitch client: backup trigger path is required")
	}
	c := &Client{
		agentID:    opts.AgentID,
		bus:        opts.Bus,
		ack:        opts.Acknowledger,
		backupPath: opts.BackupTriggerPath,
		log:        opts.Logger,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "killswitch-client", "agent_id", opts.AgentID)
	if c.ack == nil && c.bus != nil {
		c.ack = &BusAcknowledger{Bus: c.bus, TriggerID: c.LastTriggerID}
	}
	return c, nil
}

// AgentID returns the agent this client speaks for.
func (c *Client) AgentID() string { return c.agentID }

// OnTrigger subscribes to trigger broadcasts. Each event is handed to
// callback on a dedicated goroutine, in delivery order. Cancel the returned
// subscription to stop listening.
func (c *Client) OnTrigger(callback func(TriggerEvent)) (*eventbus.Subscription, error) {
	if c.bus == nil {
		return nil, ErrNoBus
	}
	sub, err := c.bus.Subscribe(TopicTrigger)
	if err != nil {
		return nil, err
	}
	go func() {
		for msg := range sub.C {
			var ev TriggerEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				c.log.Warn("discarding malformed trigger", "error", err)
				continue
			}
			c.mu.Lock()
			c.lastTrigger = ev.ID
			c.mu.Unlock()
			c.log.Warn("kill switch trigger received", "trigger_id", ev.ID, "reason", ev.Reason)
			callback(ev)
		}
	}()
	return sub, nil
}

// LastTriggerID returns the id of the most recent trigger received.
func (c *Client) LastTriggerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTrigger
}

// RegisterAcknowledgment reports whether this agent has stopped.
func (c *Client) RegisterAcknowledgment(ctx context.Context, stopped bool) error {
	if c.ack == nil {
		return ErrNoBus
	}
	if err := c.ack.RegisterAcknowledgment(ctx, c.agentID, stopped); err != nil {
		return fmt.Errorf("acknowledging as %s: %w", c.agentID, err)
	}
	return nil
}

// CheckBackupTrigger reports whether the backup trigger file is present.
// An unreadable location counts as triggered.
func (c *Client) CheckBackupTrigger() (bool, error) {
	present, err := backuptrigger.Exists(c.backupPath)
	if err != nil {
		return true, err
	}
	return present, nil
}

// MustNotStart returns an error wrapping ErrBackupTriggerActive when the
// agent must not begin work.
func (c *Client) MustNotStart() error {
	present, err := c.CheckBackupTrigger()
	if err != nil {
		return fmt.Errorf("%w: cannot check %s: %v", ErrBackupTriggerActive, c.backupPath, err)
	}
	if !present {
		return nil
	}
	rec, err := backuptrigger.Read(c.backupPath)
	if err != nil || rec == nil {
		return fmt.Errorf("%w: %s", ErrBackupTriggerActive, c.backupPath)
	}
	return fmt.Errorf("%w: %s at %s: %s", ErrBackupTriggerActive, rec.Reason,
		rec.Timestamp.Format(time.RFC3339), rec.Message)
}

// IsBackupTriggerActive reports whether err came from MustNotStart.
func IsBackupTriggerActive(err error) bool {
	return errors.Is(err, ErrBackupTriggerActive)
}
