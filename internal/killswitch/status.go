package killswitch

import (
	"context"
	"time"

	"github.com/steveyegge/killswitch/internal/backuptrigger"
	"github.com/steveyegge/killswitch/internal/statestore"
)

// Status is a full snapshot of the kill switch.
type Status struct {
	State                  State                        `json:"state" yaml:"state"`
	Operational            bool                         `json:"operational" yaml:"operational"`
	Triggered              bool                         `json:"triggered" yaml:"triggered"`
	UpdatedAt              time.Time                    `json:"updated_at" yaml:"updated_at"`
	CurrentTrigger         *TriggerEvent                `json:"current_trigger" yaml:"current_trigger"`
	ExpectedAgents         []string                     `json:"expected_agents" yaml:"expected_agents"`
	Acknowledgments        map[string]Acknowledgment    `json:"acknowledgments" yaml:"acknowledgments"`
	AcknowledgmentRate     float64                      `json:"acknowledgment_rate" yaml:"acknowledgment_rate"`
	MissingAcknowledgments []string                     `json:"missing_acknowledgments" yaml:"missing_acknowledgments"`
	Compliance             map[string]ComplianceReport  `json:"compliance" yaml:"compliance"`
	ComplianceVerified     bool                         `json:"compliance_verified" yaml:"compliance_verified"`
	ForceKillUsed          bool                         `json:"force_kill_used" yaml:"force_kill_used"`
	BackupTriggerActive    bool                         `json:"backup_trigger_active" yaml:"backup_trigger_active"`
	RegisteredAgents       int                          `json:"registered_agents" yaml:"registered_agents"`
	TestCount              int                          `json:"test_count" yaml:"test_count"`
	LastTestResult         *RecoveryTestResult          `json:"last_test_result" yaml:"last_test_result"`
	LastRecovery           *RecoveryRecord              `json:"last_recovery" yaml:"last_recovery"`
	Checksum               string                       `json:"checksum" yaml:"checksum"`
	ValidationProblems     []statestore.ValidationError `json:"validation_problems" yaml:"validation_problems"`
}

// Status reads the committed document and derives a snapshot. It takes no
// locks, so it stays available while a trigger is waiting on acknowledgments.
// The acknowledgment rate is recomputed on every call.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, raw, err := c.load()
	if err != nil {
		return nil, err
	}

	st := &Status{
		State:                  d.State,
		Operational:            d.State == StateOperational,
		Triggered:              d.State.Triggered(),
		UpdatedAt:              d.UpdatedAt,
		CurrentTrigger:         d.CurrentTrigger,
		ExpectedAgents:         []string{},
		Acknowledgments:        d.Acknowledgments,
		AcknowledgmentRate:     1.0,
		MissingAcknowledgments: []string{},
		Compliance:             d.Compliance,
		ComplianceVerified:     d.ComplianceVerified,
		ForceKillUsed:          d.ForceKillUsed,
		BackupTriggerActive:    d.BackupTriggerActive,
		RegisteredAgents:       len(d.Agents),
		TestCount:              d.TestCount,
		Checksum:               raw.Checksum,
		ValidationProblems:     c.store.Validate(raw.Content),
	}
	if st.ValidationProblems == nil {
		st.ValidationProblems = []statestore.ValidationError{}
	}
	if d.CurrentTrigger != nil {
		st.ExpectedAgents = d.CurrentTrigger.ExpectedAgents
		st.AcknowledgmentRate = acknowledgmentRate(d.CurrentTrigger.ExpectedAgents, d.Acknowledgments)
		st.MissingAcknowledgments = missingFrom(d.CurrentTrigger.ExpectedAgents, d.Acknowledgments)
	}
	if n := len(d.TestHistory); n > 0 {
		last := d.TestHistory[n-1]
		st.LastTestResult = &last
	}
	if n := len(d.Recoveries); n > 0 {
		last := d.Recoveries[n-1]
		st.LastRecovery = &last
	}
	if present, err := backuptrigger.Exists(c.backupPath); err != nil || present {
		st.BackupTriggerActive = true
	}
	return st, nil
}

// acknowledgmentRate is acknowledged/expected, counting only expected agents.
// With no expected agents there is nothing to wait for and the rate is 1.
func acknowledgmentRate(expected []string, acks map[string]Acknowledgment) float64 {
	if len(expected) == 0 {
		return 1.0
	}
	n := 0
	for _, id := range expected {
		if _, ok := acks[id]; ok {
			n++
		}
	}
	return float64(n) / float64(len(expected))
}
