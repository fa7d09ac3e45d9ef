package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/backuptrigger"
	"github.com/steveyegge/killswitch/internal/telemetry"
)

// errSkipped marks a phase that does not apply to this deployment.
var errSkipped = errors.New("skipped")

type phase struct {
	name  string
	probe func(ctx context.Context) error
}

// TestRecovery probes, in order, the state store, the event bus and the
// backup trigger path, stopping at the first failure. The probes have no
// effect on the controller state; the result is appended to the test
// history. The whole run is bounded by the recovery test timeout.
func (c *Controller) TestRecovery(ctx context.Context) RecoveryTestResult {
	start := c.now()
	runCtx, cancel := context.WithTimeout(ctx, c.testTimeout)
	defer cancel()

	result := RecoveryTestResult{RanAt: start.UTC(), Phases: []PhaseResult{}}
	phases := []phase{
		{PhaseStateStore, c.probeStateStore},
		{PhaseEventBus, c.probeEventBus},
		{PhaseBackupTrigger, c.probeBackupTrigger},
	}
	for _, p := range phases {
		pr := runPhase(runCtx, p)
		result.Phases = append(result.Phases, pr)
		if !pr.OK && !pr.Skipped {
			name, msg := p.name, pr.Error
			result.PhaseFailed = &name
			result.Error = &msg
			break
		}
	}
	result.Success = result.PhaseFailed == nil
	result.Duration = time.Since(start)

	var failure error
	phaseFailed := ""
	if !result.Success {
		failure = errors.New(*result.Error)
		phaseFailed = *result.PhaseFailed
		c.log.Warn("recovery test failed", "phase", phaseFailed, "error", *result.Error)
	} else {
		c.log.Info("recovery test passed", "duration", result.Duration)
	}
	telemetry.RecordRecoveryTest(ctx, result.Success, phaseFailed, result.Duration, failure)

	// Bookkeeping only; the state itself is left alone.
	if _, err := c.mutate(ctx, func(d *document) error {
		d.recordTest(result)
		return nil
	}); err != nil {
		c.log.Warn("could not record recovery test result", "error", err)
	}
	c.audit(ctx, audit.Entry{
		Kind:   audit.KindRecoveryTest,
		Detail: errString(failure),
		Attrs:  map[string]string{"success": fmt.Sprint(result.Success), "phase_failed": phaseFailed},
	})
	return result
}

// runPhase runs one probe, abandoning it when ctx expires.
func runPhase(ctx context.Context, p phase) PhaseResult {
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- p.probe(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out: %w", ctx.Err())
	}

	pr := PhaseResult{Name: p.name, Duration: time.Since(start)}
	switch {
	case err == nil:
		pr.OK = true
	case errors.Is(err, errSkipped):
		pr.Skipped = true
		pr.Error = err.Error()
	default:
		pr.Error = err.Error()
	}
	return pr
}

// probeStateStore checks that the document is readable and that its
// directory accepts new files.
func (c *Controller) probeStateStore(ctx context.Context) error {
	if _, _, err := c.load(); err != nil {
		return fmt.Errorf("reading state: %w", err)
	}
	f, err := os.CreateTemp(c.store.Dir(), ".recovery-probe-*")
	if err != nil {
		return fmt.Errorf("state directory not writable: %w", err)
	}
	name := f.Name()
	_, werr := f.WriteString("probe")
	cerr := f.Close()
	rerr := os.Remove(name)
	if err := errors.Join(werr, cerr, rerr); err != nil {
		return fmt.Errorf("state directory probe: %w", err)
	}
	return ctx.Err()
}

func (c *Controller) probeEventBus(ctx context.Context) error {
	if c.bus == nil {
		return fmt.Errorf("%w: %v, triggers use the backup file", errSkipped, ErrNoBus)
	}
	if err := c.bus.Ping(ctx); err != nil {
		return fmt.Errorf("event bus unreachable: %w", err)
	}
	return nil
}

func (c *Controller) probeBackupTrigger(ctx context.Context) error {
	if err := backuptrigger.ProbeWritable(c.backupPath); err != nil {
		return err
	}
	return ctx.Err()
}

// Recover returns the controller to OPERATIONAL. Valid while a trigger is
// unresolved, including a TRIGGERING document left by a trigger whose final
// write failed: the transition lock rules out one still in progress. It clears acknowledgments and compliance, records the
// recovery, and removes the backup trigger file. Recover does not consult
// compliance or recovery test results; callers decide whether it is safe.
func (c *Controller) Recover(ctx context.Context, req RecoverRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(req.Reason) == "" {
		return ErrReasonRequired
	}

	var rec RecoveryRecord
	_, err := c.mutate(ctx, func(d *document) error {
		if !d.State.Triggered() {
			return fmt.Errorf("%w: cannot recover from %s", ErrNotTriggered, d.State)
		}
		rec = RecoveryRecord{
			TriggerID:          d.triggerID(),
			Reason:             req.Reason,
			Actor:              req.Actor,
			RecoveredAt:        c.now().UTC(),
			ComplianceVerified: d.ComplianceVerified,
			Forced:             req.Forced,
		}
		d.recordRecovery(rec)
		d.clearTrigger()
		d.State = StateOperational
		return nil
	})
	if err != nil {
		return err
	}

	// The marker goes only after OPERATIONAL is committed: a leftover marker
	// keeps agents down, a missing one while triggered would not.
	clearErr := backuptrigger.Clear(c.backupPath)
	if clearErr != nil {
		c.log.Error("backup trigger not cleared; agents will keep refusing to start",
			"path", c.backupPath, "error", clearErr)
	}

	c.log.Info("kill switch recovered", "trigger_id", rec.TriggerID, "reason", rec.Reason,
		"actor", rec.Actor, "compliance_verified", rec.ComplianceVerified, "forced", rec.Forced)
	telemetry.RecordRecover(ctx, rec.TriggerID, rec.Reason, rec.Actor, rec.Forced)
	c.audit(ctx, audit.Entry{
		Kind:      audit.KindRecover,
		TriggerID: rec.TriggerID,
		State:     string(StateOperational),
		Actor:     rec.Actor,
		Detail:    rec.Reason,
		Attrs: map[string]string{
			"compliance_verified": fmt.Sprint(rec.ComplianceVerified),
			"forced":              fmt.Sprint(rec.Forced),
		},
	})
	return clearErr
}
