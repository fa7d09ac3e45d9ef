package killswitch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/steveyegge/killswitch/internal/audit"
)

// RegisterAgent adds or updates a fleet member. Registration does not change
// the expected set of a trigger that is already live.
func (c *Controller) RegisterAgent(ctx context.Context, rec AgentRecord) error {
	if err := checkAgentID(rec.ID); err != nil {
		return err
	}
	if rec.PID < 0 {
		return fmt.Errorf("agent %s: invalid pid %d", rec.ID, rec.PID)
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = c.now()
	}
	rec.RegisteredAt = rec.RegisteredAt.UTC()

	d, err := c.mutate(ctx, func(d *document) error {
		d.Agents[rec.ID] = rec
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Info("agent registered", "agent_id", rec.ID, "pid", rec.PID, "host", rec.Host)
	c.audit(ctx, audit.Entry{
		Kind:      audit.KindAgentRegister,
		TriggerID: d.triggerID(),
		State:     string(d.State),
		Actor:     rec.ID,
		Attrs:     map[string]string{"pid": strconv.Itoa(rec.PID), "host": rec.Host},
	})
	return nil
}

// DeregisterAgent removes a fleet member. A live trigger still expects it.
func (c *Controller) DeregisterAgent(ctx context.Context, id string) error {
	d, err := c.mutate(ctx, func(d *document) error {
		if _, ok := d.Agents[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgentID, id)
		}
		delete(d.Agents, id)
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Info("agent deregistered", "agent_id", id)
	c.audit(ctx, audit.Entry{Kind: audit.KindAgentDeregister, TriggerID: d.triggerID(), State: string(d.State), Actor: id})
	return nil
}

// Agents returns the registered fleet sorted by id.
func (c *Controller) Agents(ctx context.Context) ([]AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, _, err := c.load()
	if err != nil {
		return nil, err
	}
	out := make([]AgentRecord, 0, len(d.Agents))
	for _, id := range d.agentIDs() {
		out = append(out, d.Agents[id])
	}
	return out, nil
}
