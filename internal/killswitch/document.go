package killswitch

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/steveyegge/killswitch/internal/statestore"
	"github.com/steveyegge/killswitch/internal/telemetry"
)

//go:embed state.schema.json
var stateSchema []byte

// Schema returns the JSON Schema of the persisted state document.
func Schema() []byte {
	return append([]byte(nil), stateSchema...)
}

const (
	schemaVersion = 1

	// maxTestHistory bounds the recovery test results kept in the document.
	maxTestHistory = 20

	// maxRecoveries bounds the recovery records kept in the document.
	maxRecoveries = 50
)

// document is the persisted state.
type document struct {
	SchemaVersion       int                         `json:"schema_version"`
	State               State                       `json:"state"`
	UpdatedAt           time.Time                   `json:"updated_at"`
	Agents              map[string]AgentRecord      `json:"agents"`
	CurrentTrigger      *TriggerEvent               `json:"current_trigger"`
	Acknowledgments     map[string]Acknowledgment   `json:"acknowledgments"`
	Compliance          map[string]ComplianceReport `json:"compliance"`
	ComplianceVerified  bool                        `json:"compliance_verified"`
	ForceKillUsed       bool                        `json:"force_kill_used"`
	BackupTriggerActive bool                        `json:"backup_trigger_active"`
	TestCount           int                         `json:"test_count"`
	TestHistory         []RecoveryTestResult        `json:"test_history"`
	Recoveries          []RecoveryRecord            `json:"recoveries"`
}

func newDocument(now time.Time) *document {
	d := &document{
		SchemaVersion: schemaVersion,
		State:         StateOperational,
		UpdatedAt:     now.UTC(),
	}
	d.normalize()
	return d
}

// normalize replaces nil collections so the document marshals with empty
// objects and arrays rather than nulls.
func (d *document) normalize() {
	if d.Agents == nil {
		d.Agents = make(map[string]AgentRecord)
	}
	if d.Acknowledgments == nil {
		d.Acknowledgments = make(map[string]Acknowledgment)
	}
	if d.Compliance == nil {
		d.Compliance = make(map[string]ComplianceReport)
	}
	if d.TestHistory == nil {
		d.TestHistory = []RecoveryTestResult{}
	}
	if d.Recoveries == nil {
		d.Recoveries = []RecoveryRecord{}
	}
	if d.CurrentTrigger != nil && d.CurrentTrigger.ExpectedAgents == nil {
		d.CurrentTrigger.ExpectedAgents = []string{}
	}
	for i := range d.TestHistory {
		if d.TestHistory[i].Phases == nil {
			d.TestHistory[i].Phases = []PhaseResult{}
		}
	}
	if d.SchemaVersion == 0 {
		d.SchemaVersion = schemaVersion
	}
}

func (d *document) agentIDs() []string {
	ids := make([]string, 0, len(d.Agents))
	for id := range d.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *document) triggerID() string {
	if d.CurrentTrigger == nil {
		return ""
	}
	return d.CurrentTrigger.ID
}

// clearTrigger drops everything tied to the current trigger.
func (d *document) clearTrigger() {
	d.CurrentTrigger = nil
	d.Acknowledgments = make(map[string]Acknowledgment)
	d.Compliance = make(map[string]ComplianceReport)
	d.ComplianceVerified = false
	d.ForceKillUsed = false
	d.BackupTriggerActive = false
}

func (d *document) recordTest(r RecoveryTestResult) {
	d.TestCount++
	d.TestHistory = append(d.TestHistory, r)
	if n := len(d.TestHistory); n > maxTestHistory {
		d.TestHistory = append([]RecoveryTestResult(nil), d.TestHistory[n-maxTestHistory:]...)
	}
}

func (d *document) recordRecovery(r RecoveryRecord) {
	d.Recoveries = append(d.Recoveries, r)
	if n := len(d.Recoveries); n > maxRecoveries {
		d.Recoveries = append([]RecoveryRecord(nil), d.Recoveries[n-maxRecoveries:]...)
	}
}

// applyAck validates and stores one acknowledgment.
func (d *document) applyAck(agentID string, stopped bool, at time.Time) error {
	if !d.State.Triggered() || d.CurrentTrigger == nil {
		return fmt.Errorf("%w: state is %s", ErrNotTriggered, d.State)
	}
	if !d.CurrentTrigger.Expects(agentID) {
		return fmt.Errorf("%w: %s (trigger %s)", ErrUnexpectedAgent, agentID, d.CurrentTrigger.ID)
	}
	d.Acknowledgments[agentID] = Acknowledgment{AgentID: agentID, Stopped: stopped, Timestamp: at.UTC()}
	return nil
}

func decodeDocument(content []byte) (*document, error) {
	var d document
	if err := json.Unmarshal(content, &d); err != nil {
		return nil, fmt.Errorf("decoding state document: %w", err)
	}
	d.normalize()
	return &d, nil
}

func encodeDocument(d *document) ([]byte, error) {
	d.normalize()
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding state document: %w", err)
	}
	return append(data, '\n'), nil
}

// OpenStore builds the state store for the kill switch document, wiring in
// the document schema, the structural checkers and lock-wait metrics.
func OpenStore(opts statestore.Options) (*statestore.Store, error) {
	opts.Schema = stateSchema
	opts.Checkers = append(opts.Checkers, structuralCheckers()...)
	if opts.OnLockWait == nil {
		opts.OnLockWait = func(d time.Duration) {
			telemetry.RecordLockWait(context.Background(), d)
		}
	}
	return statestore.New(opts)
}

// structuralCheckers are the document rules a schema cannot express.
func structuralCheckers() []statestore.Checker {
	check := func(fn func(d *document) []statestore.ValidationError) statestore.Checker {
		return func(content []byte) []statestore.ValidationError {
			var d document
			if err := json.Unmarshal(content, &d); err != nil {
				// Well-formedness and shape are reported by the schema.
				return nil
			}
			return fn(&d)
		}
	}
	return []statestore.Checker{
		check(checkAgentIDs),
		check(checkTriggerConsistency),
		check(checkAcknowledgments),
		check(checkTestCount),
	}
}

func checkAgentIDs(d *document) []statestore.ValidationError {
	var problems []statestore.ValidationError
	for _, key := range sortedKeys(d.Agents) {
		rec := d.Agents[key]
		if !ValidAgentID(key) {
			problems = append(problems, statestore.ValidationError{
				Path:    "/agents/" + key,
				Message: fmt.Sprintf("malformed agent id %q", key),
			})
		}
		if rec.ID != key {
			problems = append(problems, statestore.ValidationError{
				Path:    "/agents/" + key + "/id",
				Message: fmt.Sprintf("record id %q does not match key %q", rec.ID, key),
			})
		}
	}
	return problems
}

func checkTriggerConsistency(d *document) []statestore.ValidationError {
	switch {
	case d.State.Triggered() && d.CurrentTrigger == nil:
		return []statestore.ValidationError{{
			Path:    "/current_trigger",
			Message: fmt.Sprintf("state %s requires a current trigger", d.State),
		}}
	case d.State == StateOperational && d.CurrentTrigger != nil:
		return []statestore.ValidationError{{
			Path:    "/current_trigger",
			Message: "OPERATIONAL state must not carry a live trigger",
		}}
	}
	if d.CurrentTrigger != nil {
		var problems []statestore.ValidationError
		for i, id := range d.CurrentTrigger.ExpectedAgents {
			if !ValidAgentID(id) {
				problems = append(problems, statestore.ValidationError{
					Path:    fmt.Sprintf("/current_trigger/expected_agents/%d", i),
					Message: fmt.Sprintf("malformed agent id %q", id),
				})
			}
		}
		return problems
	}
	return nil
}

func checkAcknowledgments(d *document) []statestore.ValidationError {
	var problems []statestore.ValidationError
	for _, key := range sortedKeys(d.Acknowledgments) {
		ack := d.Acknowledgments[key]
		if d.CurrentTrigger == nil || !d.CurrentTrigger.Expects(key) {
			problems = append(problems, statestore.ValidationError{
				Path:    "/acknowledgments/" + key,
				Message: "acknowledgment from an agent outside the expected set",
			})
		}
		if ack.AgentID != key {
			problems = append(problems, statestore.ValidationError{
				Path:    "/acknowledgments/" + key + "/agent_id",
				Message: fmt.Sprintf("agent_id %q does not match key %q", ack.AgentID, key),
			})
		}
	}
	return problems
}

func checkTestCount(d *document) []statestore.ValidationError {
	if d.TestCount < len(d.TestHistory) {
		return []statestore.ValidationError{{
			Path:    "/test_count",
			Message: fmt.Sprintf("test_count %d is less than %d recorded results", d.TestCount, len(d.TestHistory)),
		}}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
