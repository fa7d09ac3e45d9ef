package killswitch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReason(t *testing.T) {
	tests := []struct {
		in      string
		want    Reason
		wantErr bool
	}{
		{"MANUAL", ReasonManual, false},
		{"safety-violation", ReasonSafetyViolation, false},
		{" critical_failure ", ReasonCriticalFailure, false},
		{"Resource-Exhaustion", ReasonResourceExhaustion, false},
		{"", "", true},
		{"meltdown", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReason(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownReason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidAgentID(t *testing.T) {
	for _, id := range []string{"agent-1", "worker.eu-west", "svc:7", "team/agent@host", "A"} {
		assert.True(t, ValidAgentID(id), id)
	}
	for _, id := range []string{"", "-lead", ".hidden", "has space", "semi;colon", string(make([]byte, 200))} {
		assert.False(t, ValidAgentID(id), id)
	}
}

func TestNewDocumentMarshalsEmptyCollections(t *testing.T) {
	content, err := encodeDocument(newDocument(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(content, &raw))
	assert.JSONEq(t, `{}`, string(raw["agents"]))
	assert.JSONEq(t, `{}`, string(raw["acknowledgments"]))
	assert.JSONEq(t, `[]`, string(raw["test_history"]))
	assert.JSONEq(t, `null`, string(raw["current_trigger"]))
	assert.Equal(t, byte('\n'), content[len(content)-1])
}

func TestDocumentRoundTripUnicode(t *testing.T) {
	d := newDocument(time.Now())
	d.State = StateTriggered
	d.CurrentTrigger = &TriggerEvent{
		ID:             "0190d3a4-0000-7000-8000-000000000001",
		Reason:         ReasonSafetyViolation,
		Message:        "Agent 日本語 a écrit hors du bac à sable 🚨",
		Source:         "monitor",
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ExpectedAgents: []string{},
	}
	content, err := encodeDocument(d)
	require.NoError(t, err)

	back, err := decodeDocument(content)
	require.NoError(t, err)
	assert.Equal(t, d.CurrentTrigger.Message, back.CurrentTrigger.Message)
	assert.Equal(t, []string{}, back.CurrentTrigger.ExpectedAgents)
}

func TestDecodeDocumentRejectsGarbage(t *testing.T) {
	_, err := decodeDocument([]byte("{"))
	assert.Error(t, err)
}

func TestSchemaAcceptsFreshDocument(t *testing.T) {
	h := newTestHarness(t, nil)
	content, err := encodeDocument(newDocument(time.Now()))
	require.NoError(t, err)
	assert.Empty(t, h.store.Validate(content))
}

func TestStructuralCheckers(t *testing.T) {
	h := newTestHarness(t, nil)
	now := time.Now().UTC()

	d := newDocument(now)
	d.State = StateTriggered
	d.Agents["bad id"] = AgentRecord{ID: "other", RegisteredAt: now}
	d.Acknowledgments["ghost"] = Acknowledgment{AgentID: "ghost", Stopped: true, Timestamp: now}
	d.TestHistory = []RecoveryTestResult{{RanAt: now, Phases: []PhaseResult{}}}
	d.TestCount = 0

	content, err := encodeDocument(d)
	require.NoError(t, err)

	paths := map[string]bool{}
	for _, p := range h.store.Validate(content) {
		paths[p.Path] = true
	}
	assert.True(t, paths["/agents/bad id"], "malformed agent key")
	assert.True(t, paths["/agents/bad id/id"], "record id mismatch")
	assert.True(t, paths["/current_trigger"], "triggered without a trigger")
	assert.True(t, paths["/acknowledgments/ghost"], "ack outside expected set")
	assert.True(t, paths["/test_count"], "test_count below history")
}

func TestValidationProblemsSurfaceInStatus(t *testing.T) {
	h := newTestHarness(t, nil)

	// Another writer leaves an inconsistent document; writes are not blocked.
	_, err := h.store.Update(context.Background(), func(current []byte) ([]byte, error) {
		d, err := decodeDocument(current)
		if err != nil {
			return nil, err
		}
		d.State = StateVerifying
		return encodeDocument(d)
	})
	require.NoError(t, err)

	st := h.status(t)
	assert.NotEmpty(t, st.ValidationProblems)
	assert.Equal(t, StateVerifying, st.State)
}

func TestRecoveriesAreBounded(t *testing.T) {
	d := newDocument(time.Now())
	for i := 0; i < maxRecoveries+3; i++ {
		d.recordRecovery(RecoveryRecord{Reason: "r"})
	}
	assert.Len(t, d.Recoveries, maxRecoveries)
}

func TestApplyAck(t *testing.T) {
	d := newDocument(time.Now())
	assert.ErrorIs(t, d.applyAck("a", true, time.Now()), ErrNotTriggered)

	d.State = StateTriggering
	d.CurrentTrigger = &TriggerEvent{ID: "t", ExpectedAgents: []string{"a", "b"}}
	require.NoError(t, d.applyAck("b", false, time.Now()))
	assert.ErrorIs(t, d.applyAck("c", true, time.Now()), ErrUnexpectedAgent)
	assert.Len(t, d.Acknowledgments, 1)
	assert.Equal(t, 0.5, acknowledgmentRate(d.CurrentTrigger.ExpectedAgents, d.Acknowledgments))
	assert.Equal(t, 1.0, acknowledgmentRate(nil, nil))
}
