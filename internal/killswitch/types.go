// Package killswitch implements the fleet-wide emergency stop.
//
// A Controller owns the state machine
//
//	OPERATIONAL → TRIGGERING → TRIGGERED ⇄ VERIFYING
//	     ↑                         │
//	     └──────── Recover ────────┘
//
// and persists every transition through a statestore.Store, so one-shot CLI
// invocations and a long-running server observe the same state. Triggers are
// broadcast on an event bus; when the bus is unavailable a backup trigger file
// is written instead. Acknowledgments from agents are self-reports only:
// compliance is established by checking each expected agent through the
// agent runtime and force-terminating any that are still alive.
//
// Agents participate through Client: subscribe to triggers, acknowledge, and
// refuse to start while the backup trigger file exists.
package killswitch

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Bus topics.
const (
	TopicTrigger = "killswitch.trigger"
	TopicAck     = "killswitch.ack"
)

// State is the controller state.
type State string

const (
	StateOperational State = "OPERATIONAL"
	StateTriggering  State = "TRIGGERING"
	StateTriggered   State = "TRIGGERED"
	StateVerifying   State = "VERIFYING"
)

// Triggered reports whether s belongs to an unresolved trigger.
func (s State) Triggered() bool {
	switch s {
	case StateTriggering, StateTriggered, StateVerifying:
		return true
	}
	return false
}

// Reason classifies why the kill switch was pulled.
type Reason string

const (
	ReasonManual             Reason = "MANUAL"
	ReasonSafetyViolation    Reason = "SAFETY_VIOLATION"
	ReasonCriticalFailure    Reason = "CRITICAL_FAILURE"
	ReasonResourceExhaustion Reason = "RESOURCE_EXHAUSTION"
	ReasonExternalSignal     Reason = "EXTERNAL_SIGNAL"
	ReasonTest               Reason = "TEST"
)

// Reasons lists every valid reason.
var Reasons = []Reason{
	ReasonManual,
	ReasonSafetyViolation,
	ReasonCriticalFailure,
	ReasonResourceExhaustion,
	ReasonExternalSignal,
	ReasonTest,
}

// ParseReason accepts a reason name in any case, with '-' or '_' separators.
func ParseReason(s string) (Reason, error) {
	norm := Reason(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, r := range Reasons {
		if r == norm {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReason, s)
}

var (
	// ErrNotInitialized is returned when the state document does not exist.
	ErrNotInitialized = errors.New("kill switch state not initialized")

	// ErrAlreadyTriggered is returned by Trigger while a previous trigger is unresolved.
	ErrAlreadyTriggered = errors.New("kill switch already triggered")

	// ErrNotTriggered is returned by operations that need an unresolved trigger.
	ErrNotTriggered = errors.New("kill switch not triggered")

	// ErrUnexpectedAgent is returned when an agent outside the trigger's
	// expected set acknowledges.
	ErrUnexpectedAgent = errors.New("agent not expected for this trigger")

	// ErrInvalidAgentID is returned for ids that do not match the agent id syntax.
	ErrInvalidAgentID = errors.New("invalid agent id")

	// ErrUnknownAgentID is returned when deregistering an agent that is not registered.
	ErrUnknownAgentID = errors.New("agent not registered")

	// ErrUnknownReason is returned by ParseReason.
	ErrUnknownReason = errors.New("unknown trigger reason")

	// ErrReasonRequired is returned by Recover without a reason.
	ErrReasonRequired = errors.New("recovery reason is required")

	// ErrBroadcastFailed is returned when neither the bus nor the backup
	// trigger file could carry a trigger.
	ErrBroadcastFailed = errors.New("trigger could not be broadcast on any channel")

	// ErrBackupTriggerActive is returned by Client.MustNotStart.
	ErrBackupTriggerActive = errors.New("backup trigger active: refusing to start")

	// ErrNoBus is returned by operations that need an event bus when none is configured.
	ErrNoBus = errors.New("no event bus configured")
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@/-]{0,127}$`)

// ValidAgentID reports whether id is usable as an agent id.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

func checkAgentID(id string) error {
	if !ValidAgentID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, id)
	}
	return nil
}

// TriggerRequest describes a trigger.
type TriggerRequest struct {
	Reason  Reason
	Message string
	Source  string
}

// TriggerEvent is one invocation of the kill switch. Immutable once persisted.
type TriggerEvent struct {
	ID             string    `json:"id"`
	Reason         Reason    `json:"reason"`
	Message        string    `json:"message"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	ExpectedAgents []string  `json:"expected_agents"`
}

// Expects reports whether agentID is in the expected set.
func (e *TriggerEvent) Expects(agentID string) bool {
	return slices.Contains(e.ExpectedAgents, agentID)
}

// Acknowledgment is one agent's self-reported response to a trigger.
type Acknowledgment struct {
	AgentID   string    `json:"agent_id"`
	Stopped   bool      `json:"stopped"`
	Timestamp time.Time `json:"timestamp"`
}

// ComplianceReport is the independently verified outcome for one agent.
type ComplianceReport struct {
	AgentID     string    `json:"agent_id"`
	Compliant   bool      `json:"compliant"`
	ForceKilled bool      `json:"force_killed"`
	CheckedAt   time.Time `json:"checked_at"`
	Detail      string    `json:"detail,omitempty"`
}

// ComplianceSummary is what VerifyCompliance and TriggerAndWait report.
type ComplianceSummary struct {
	TriggerID    string             `json:"trigger_id"`
	Expected     []string           `json:"expected"`
	Acknowledged []string           `json:"acknowledged"`
	Missing      []string           `json:"missing"`
	TimedOut     bool               `json:"timed_out"`
	Reports      []ComplianceReport `json:"reports"`
	ForceKilled  []string           `json:"force_killed"`
	NonCompliant []string           `json:"non_compliant"`
	Verified     bool               `json:"verified"`
}

// PhaseResult is one probed phase of a recovery test.
type PhaseResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Recovery test phases, in the order they run.
const (
	PhaseStateStore    = "state_store"
	PhaseEventBus      = "event_bus"
	PhaseBackupTrigger = "backup_trigger"
)

// RecoveryTestResult is the outcome of TestRecovery.
type RecoveryTestResult struct {
	Success     bool          `json:"success"`
	Error       *string       `json:"error"`
	PhaseFailed *string       `json:"phase_failed"`
	RanAt       time.Time     `json:"ran_at"`
	Duration    time.Duration `json:"duration"`
	Phases      []PhaseResult `json:"phases"`
}

// AgentRecord is a registered fleet member.
type AgentRecord struct {
	ID           string    `json:"id"`
	PID          int       `json:"pid,omitempty"`
	Host         string    `json:"host,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RecoveryRecord is the audit entry persisted by Recover.
type RecoveryRecord struct {
	TriggerID          string    `json:"trigger_id"`
	Reason             string    `json:"reason"`
	Actor              string    `json:"actor"`
	RecoveredAt        time.Time `json:"recovered_at"`
	ComplianceVerified bool      `json:"compliance_verified"`
	Forced             bool      `json:"forced,omitempty"`
}

// RecoverRequest describes a recovery.
type RecoverRequest struct {
	Reason string
	Actor  string

	// Forced records that the caller bypassed its own safety checks.
	Forced bool
}

// AckMessage is the payload published on TopicAck.
type AckMessage struct {
	AgentID   string    `json:"agent_id"`
	Stopped   bool      `json:"stopped"`
	TriggerID string    `json:"trigger_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
