package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/backuptrigger"
	"github.com/steveyegge/killswitch/internal/statestore"
	"github.com/steveyegge/killswitch/internal/telemetry"
	"github.com/steveyegge/killswitch/internal/util"
)

// Delivery channels reported in metrics.
const (
	channelBus        = "bus"
	channelBackupFile = "backup_file"
	channelNone       = "none"
)

// Trigger pulls the kill switch. It snapshots the registered agents as the
// expected set, persists the trigger, and broadcasts it. When the bus is
// missing or publishing fails, the backup trigger file is written instead and
// Trigger still succeeds. A trigger is rejected with ErrAlreadyTriggered
// while a previous one is unresolved.
func (c *Controller) Trigger(ctx context.Context, req TriggerRequest) (*TriggerEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trigger(ctx, req)
}

func (c *Controller) trigger(ctx context.Context, req TriggerRequest) (*TriggerEvent, error) {
	if req.Reason == "" {
		req.Reason = ReasonManual
	}
	reason, err := ParseReason(string(req.Reason))
	if err != nil {
		return nil, err
	}
	req.Reason = reason
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating trigger id: %w", err)
	}

	var ev TriggerEvent
	_, err = c.mutate(ctx, func(d *document) error {
		if d.State != StateOperational {
			return fmt.Errorf("%w: state is %s (trigger %s)", ErrAlreadyTriggered, d.State, d.triggerID())
		}
		ev = TriggerEvent{
			ID:             id.String(),
			Reason:         req.Reason,
			Message:        req.Message,
			Source:         req.Source,
			Timestamp:      c.now().UTC(),
			ExpectedAgents: d.agentIDs(),
		}
		d.clearTrigger()
		d.State = StateTriggering
		evCopy := ev
		d.CurrentTrigger = &evCopy
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Warn("kill switch triggered",
		"trigger_id", ev.ID, "reason", ev.Reason, "source", ev.Source,
		"message", ev.Message, "expected_agents", len(ev.ExpectedAgents))
	c.audit(ctx, audit.Entry{
		Kind:      audit.KindTrigger,
		TriggerID: ev.ID,
		State:     string(StateTriggering),
		Actor:     ev.Source,
		Detail:    ev.Message,
		Attrs: map[string]string{
			"reason":          string(ev.Reason),
			"expected_agents": strings.Join(ev.ExpectedAgents, ","),
		},
	})

	channel, broadcastErr := c.broadcast(ctx, &ev)
	telemetry.RecordTrigger(ctx, ev.ID, string(ev.Reason), channel, len(ev.ExpectedAgents))

	err = util.RetryDo(context.WithoutCancel(ctx), settlePolicy(), func() error {
		_, err := c.mutate(context.WithoutCancel(ctx), func(d *document) error {
			if d.triggerID() != ev.ID {
				return util.MarkPermanent(fmt.Errorf("trigger %s was superseded before it was broadcast", ev.ID))
			}
			if d.State == StateTriggering {
				d.State = StateTriggered
			}
			d.BackupTriggerActive = channel == channelBackupFile
			return nil
		})
		return err
	})
	if err != nil {
		c.log.Error("trigger left in TRIGGERING; recover or verify will resolve it",
			"trigger_id", ev.ID, "error", err)
		return &ev, fmt.Errorf("recording trigger %s as TRIGGERED: %w", ev.ID, err)
	}
	return &ev, broadcastErr
}

// settlePolicy retries the TRIGGERED write past lock contention. The trigger
// has already been persisted and broadcast by then.
func settlePolicy() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
		IsRetryable: func(err error) bool {
			return errors.Is(err, statestore.ErrLockTimeout)
		},
	}
}

// broadcast delivers ev on the bus, falling back to the backup trigger file.
// It returns the channel that carried the trigger.
func (c *Controller) broadcast(ctx context.Context, ev *TriggerEvent) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return channelNone, fmt.Errorf("encoding trigger: %w", err)
	}

	var busErr error
	if c.bus == nil {
		busErr = ErrNoBus
	} else {
		busErr = util.RetryDo(ctx, c.publishPolicy, func() error {
			return c.bus.Publish(ctx, TopicTrigger, payload)
		})
		if busErr == nil {
			c.audit(ctx, audit.Entry{Kind: audit.KindBroadcast, TriggerID: ev.ID, State: string(StateTriggering)})
			return channelBus, nil
		}
	}

	c.log.Warn("event bus unavailable, falling back to backup trigger file",
		"trigger_id", ev.ID, "path", c.backupPath, "error", busErr)

	rec := backuptrigger.Record{
		Reason:    string(ev.Reason),
		Message:   ev.Message,
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		TriggerID: ev.ID,
	}
	if err := backuptrigger.Write(c.backupPath, rec); err != nil {
		c.log.Error("backup trigger write failed; trigger reached no agents",
			"trigger_id", ev.ID, "path", c.backupPath, "error", err)
		return channelNone, fmt.Errorf("%w: bus: %v; backup trigger: %v", ErrBroadcastFailed, busErr, err)
	}
	c.audit(ctx, audit.Entry{
		Kind:      audit.KindBackupTrigger,
		TriggerID: ev.ID,
		State:     string(StateTriggering),
		Detail:    busErr.Error(),
		Attrs:     map[string]string{"path": c.backupPath},
	})
	return channelBackupFile, nil
}

// RegisterAcknowledgment records an agent's self-reported stop. Valid while a
// trigger is unresolved; the agent must be in the trigger's expected set. A
// later acknowledgment from the same agent replaces the earlier one. It does
// not take the transition lock, so acknowledgments are accepted while
// TriggerAndWait is collecting them.
func (c *Controller) RegisterAcknowledgment(ctx context.Context, agentID string, stopped bool) error {
	if err := checkAgentID(agentID); err != nil {
		return err
	}
	at := c.now()
	d, err := c.mutate(ctx, func(d *document) error {
		return d.applyAck(agentID, stopped, at)
	})
	if err != nil {
		return err
	}

	triggerID := d.triggerID()
	c.log.Info("acknowledgment received", "trigger_id", triggerID, "agent_id", agentID, "stopped", stopped)
	telemetry.RecordAck(ctx, triggerID, agentID, stopped)
	c.audit(ctx, audit.Entry{
		Kind:      audit.KindAck,
		TriggerID: triggerID,
		State:     string(d.State),
		Actor:     agentID,
		Attrs:     map[string]string{"stopped": strconv.FormatBool(stopped)},
	})
	c.notifyAck()
	return nil
}
