package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/telemetry"
)

// TriggerAndWait triggers, collects acknowledgments until every expected agent
// has answered or the acknowledgment timeout passes, then verifies
// compliance. It reports true only when every expected agent is confirmed
// stopped. The wait never blocks Status or RegisterAcknowledgment.
func (c *Controller) TriggerAndWait(ctx context.Context, req TriggerRequest) (bool, *ComplianceSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Listen before broadcasting so fast acknowledgments are not missed.
	busAcks := c.busAcks(waitCtx)

	ev, broadcastErr := c.trigger(ctx, req)
	if ev == nil {
		return false, nil, broadcastErr
	}
	if broadcastErr != nil {
		// The trigger is persisted; verification still stops whatever it can reach.
		c.log.Error("trigger broadcast failed, continuing to verification", "trigger_id", ev.ID, "error", broadcastErr)
	}

	timedOut, err := c.awaitAcks(waitCtx, ev, busAcks)
	if err != nil {
		return false, nil, errors.Join(broadcastErr, err)
	}

	summary, err := c.verify(ctx)
	if err != nil {
		return false, nil, errors.Join(broadcastErr, err)
	}
	summary.TimedOut = timedOut
	return summary.Verified, summary, broadcastErr
}

// busAcks relays acknowledgment payloads published on the bus until ctx is
// done, so a one-shot trigger works without a separate server. It returns
// nil when there is no bus.
func (c *Controller) busAcks(ctx context.Context) <-chan []byte {
	if c.bus == nil {
		return nil
	}
	sub, err := c.bus.Subscribe(TopicAck)
	if err != nil {
		c.log.Warn("cannot subscribe to acknowledgments on the bus", "error", err)
		return nil
	}
	ch := make(chan []byte, subscriberBacklog)
	go func() {
		defer close(ch)
		defer sub.Cancel()
		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// subscriberBacklog buffers bus acknowledgments that arrive during the broadcast.
const subscriberBacklog = 64

// awaitAcks blocks until all of ev's expected agents have acknowledged, the
// acknowledgment timeout passes, or ctx is done. It reports whether the
// timeout passed with acknowledgments missing.
func (c *Controller) awaitAcks(ctx context.Context, ev *TriggerEvent, busAcks <-chan []byte) (bool, error) {
	if len(ev.ExpectedAgents) == 0 {
		return false, nil
	}

	notify := c.subscribeAcks()
	defer c.unsubscribeAcks(notify)
	changes := c.store.Watch(ctx, c.watchInterval)

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	for {
		if done, err := c.allAcknowledged(ev.ID); err == nil && done {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-timer.C:
			missing := c.missingAcks(ev)
			c.log.Warn("acknowledgment window closed", "trigger_id", ev.ID, "missing", missing)
			return len(missing) > 0, nil
		case <-notify:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		case payload, ok := <-busAcks:
			if !ok {
				busAcks = nil
				continue
			}
			c.handleAckMessage(ctx, payload)
		}
	}
}

func (c *Controller) allAcknowledged(triggerID string) (bool, error) {
	d, _, err := c.load()
	if err != nil {
		return false, err
	}
	if d.triggerID() != triggerID {
		return false, fmt.Errorf("trigger %s is no longer current", triggerID)
	}
	for _, id := range d.CurrentTrigger.ExpectedAgents {
		if _, ok := d.Acknowledgments[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *Controller) missingAcks(ev *TriggerEvent) []string {
	d, _, err := c.load()
	if err != nil {
		return ev.ExpectedAgents
	}
	return missingFrom(ev.ExpectedAgents, d.Acknowledgments)
}

func missingFrom(expected []string, acks map[string]Acknowledgment) []string {
	missing := []string{}
	for _, id := range expected {
		if _, ok := acks[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// handleAckMessage registers an acknowledgment received on the bus.
func (c *Controller) handleAckMessage(ctx context.Context, payload []byte) {
	var msg AckMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn("discarding malformed acknowledgment", "error", err)
		return
	}
	if msg.TriggerID != "" {
		if d, _, err := c.load(); err == nil && d.triggerID() != msg.TriggerID {
			c.log.Info("discarding acknowledgment for a stale trigger",
				"agent_id", msg.AgentID, "trigger_id", msg.TriggerID, "current", d.triggerID())
			return
		}
	}
	if err := c.RegisterAcknowledgment(ctx, msg.AgentID, msg.Stopped); err != nil {
		c.log.Warn("rejected acknowledgment", "agent_id", msg.AgentID, "error", err)
	}
}

// VerifyCompliance independently checks every expected agent of the current
// trigger. Acknowledgments are never taken as proof: each agent's liveness is
// queried through the runtime, and agents still alive are force-terminated
// and checked again. An agent that survives is reported non-compliant; this is
// surfaced through Status, not as an error. The state returns to TRIGGERED,
// which also settles a trigger stranded in TRIGGERING.
func (c *Controller) VerifyCompliance(ctx context.Context) (*ComplianceSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verify(ctx)
}

func (c *Controller) verify(ctx context.Context) (*ComplianceSummary, error) {
	d, err := c.mutate(ctx, func(d *document) error {
		if !d.State.Triggered() || d.CurrentTrigger == nil {
			return fmt.Errorf("%w: cannot verify in state %s", ErrNotTriggered, d.State)
		}
		d.State = StateVerifying
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := d.CurrentTrigger
	summary := &ComplianceSummary{
		TriggerID:    ev.ID,
		Expected:     append([]string{}, ev.ExpectedAgents...),
		Acknowledged: sortedKeys(d.Acknowledgments),
		Missing:      missingFrom(ev.ExpectedAgents, d.Acknowledgments),
		Reports:      []ComplianceReport{},
		ForceKilled:  []string{},
		NonCompliant: []string{},
	}
	c.log.Info("verifying compliance", "trigger_id", ev.ID,
		"expected", len(summary.Expected), "missing", summary.Missing)

	reports := make(map[string]ComplianceReport, len(ev.ExpectedAgents))
	for _, id := range ev.ExpectedAgents {
		ack, acked := d.Acknowledgments[id]
		rep := c.checkAgent(ctx, ev.ID, id, ack, acked)
		reports[id] = rep
		summary.Reports = append(summary.Reports, rep)
		if rep.ForceKilled {
			summary.ForceKilled = append(summary.ForceKilled, id)
		}
		if !rep.Compliant {
			summary.NonCompliant = append(summary.NonCompliant, id)
		}
	}
	summary.Verified = len(summary.NonCompliant) == 0

	final, err := c.mutate(context.WithoutCancel(ctx), func(d *document) error {
		if d.triggerID() != ev.ID {
			return fmt.Errorf("trigger %s was resolved during verification", ev.ID)
		}
		d.Compliance = reports
		d.ComplianceVerified = summary.Verified
		d.ForceKillUsed = d.ForceKillUsed || len(summary.ForceKilled) > 0
		d.State = StateTriggered
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("recording compliance: %w", err)
	}

	if summary.Verified {
		c.log.Info("compliance verified", "trigger_id", ev.ID, "force_killed", summary.ForceKilled)
	} else {
		c.log.Error("compliance verification failed; escalate to a human",
			"trigger_id", ev.ID, "non_compliant", summary.NonCompliant)
	}
	c.audit(ctx, audit.Entry{
		Kind:      audit.KindVerify,
		TriggerID: ev.ID,
		State:     string(final.State),
		Attrs: map[string]string{
			"verified":      fmt.Sprint(summary.Verified),
			"force_killed":  fmt.Sprint(summary.ForceKilled),
			"non_compliant": fmt.Sprint(summary.NonCompliant),
		},
	})
	return summary, nil
}

// checkAgent establishes whether one agent has stopped, force-terminating it
// if it has not.
func (c *Controller) checkAgent(ctx context.Context, triggerID, id string, ack Acknowledgment, acked bool) ComplianceReport {
	rep := ComplianceReport{AgentID: id, CheckedAt: c.now().UTC()}

	alive, err := c.runtime.Exists(id)
	if err != nil {
		rep.Detail = "liveness check failed: " + err.Error()
		c.complianceFailure(ctx, triggerID, rep)
		return rep
	}
	if !alive {
		rep.Compliant = true
		switch {
		case !acked:
			rep.Detail = "no acknowledgment; confirmed stopped"
		case !ack.Stopped:
			rep.Detail = "acknowledged not stopped; confirmed stopped"
		default:
			rep.Detail = "acknowledged; confirmed stopped"
		}
		return rep
	}

	c.log.Warn("agent still running after trigger, force-terminating",
		"trigger_id", triggerID, "agent_id", id, "acknowledged", acked, "claimed_stopped", ack.Stopped)
	rep.ForceKilled = true
	stopErr := c.runtime.Stop(id, true)
	telemetry.RecordForceKill(ctx, triggerID, id, stopErr)
	c.audit(ctx, audit.Entry{Kind: audit.KindForceKill, TriggerID: triggerID, Actor: id, Detail: errString(stopErr)})

	if stopErr == nil && c.confirmStopped(id) {
		rep.Compliant = true
		rep.CheckedAt = c.now().UTC()
		rep.Detail = "force-terminated"
		return rep
	}

	rep.CheckedAt = c.now().UTC()
	if stopErr != nil {
		rep.Detail = "force kill failed: " + stopErr.Error()
	} else {
		rep.Detail = "still running after force kill"
	}
	c.complianceFailure(ctx, triggerID, rep)
	return rep
}

// confirmStopped polls liveness until the agent is gone or the confirm
// window passes.
func (c *Controller) confirmStopped(id string) bool {
	deadline := time.Now().Add(c.killConfirm)
	for {
		alive, err := c.runtime.Exists(id)
		if err == nil && !alive {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (c *Controller) complianceFailure(ctx context.Context, triggerID string, rep ComplianceReport) {
	c.log.Error("agent not confirmed stopped", "trigger_id", triggerID, "agent_id", rep.AgentID, "detail", rep.Detail)
	telemetry.RecordComplianceFailure(ctx, triggerID, rep.AgentID, rep.Detail)
	c.audit(ctx, audit.Entry{Kind: audit.KindComplianceFail, TriggerID: triggerID, Actor: rep.AgentID, Detail: rep.Detail})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
