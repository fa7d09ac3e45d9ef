package killswitch

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/killswitch/internal/backuptrigger"
	"github.com/steveyegge/killswitch/internal/eventbus"
)

func TestScenarioE_RecoveryTestHealthy(t *testing.T) {
	h := newTestHarness(t, nil)

	res := h.ctrl.TestRecovery(context.Background())
	assert.True(t, res.Success)
	assert.Nil(t, res.Error)
	assert.Nil(t, res.PhaseFailed)
	require.Len(t, res.Phases, 3)
	for i, name := range []string{PhaseStateStore, PhaseEventBus, PhaseBackupTrigger} {
		assert.Equal(t, name, res.Phases[i].Name)
		assert.True(t, res.Phases[i].OK, name)
	}

	st := h.status(t)
	assert.Equal(t, 1, st.TestCount)
	require.NotNil(t, st.LastTestResult)
	assert.True(t, st.LastTestResult.Success)
	assert.Equal(t, StateOperational, st.State)

	// The probes leave nothing behind.
	present, err := backuptrigger.Exists(h.ctrl.BackupTriggerPath())
	require.NoError(t, err)
	assert.False(t, present)
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "recovery-probe")
	}
}

func TestScenarioE_RecoveryTestStateStoreUnwritable(t *testing.T) {
	h := newTestHarness(t, nil)

	// Tests may run as root, so permissions cannot make the directory
	// unwritable; replace it with a regular file instead.
	require.NoError(t, os.RemoveAll(h.dir))
	require.NoError(t, os.WriteFile(h.dir, []byte("not a directory"), 0o644))

	res := h.ctrl.TestRecovery(context.Background())
	assert.False(t, res.Success)
	require.NotNil(t, res.PhaseFailed)
	assert.Equal(t, PhaseStateStore, *res.PhaseFailed)
	require.NotNil(t, res.Error)
	assert.NotEmpty(t, *res.Error)
	assert.Len(t, res.Phases, 1, "phases after the failure are not run")
}

func TestRecoveryTestBusUnreachable(t *testing.T) {
	stub := eventbus.NewStub(eventbus.NewLocal())
	stub.SetPingErr(eventbus.ErrUnavailable)
	h := newTestHarness(t, func(o *Options) { o.Bus = stub })

	res := h.ctrl.TestRecovery(context.Background())
	assert.False(t, res.Success)
	require.NotNil(t, res.PhaseFailed)
	assert.Equal(t, PhaseEventBus, *res.PhaseFailed)
	assert.Contains(t, *res.Error, "event bus unreachable")

	st := h.status(t)
	require.NotNil(t, st.LastTestResult)
	assert.False(t, st.LastTestResult.Success)
}

func TestRecoveryTestWithoutBusSkipsPhase(t *testing.T) {
	h := newTestHarness(t, func(o *Options) { o.Bus = nil })

	res := h.ctrl.TestRecovery(context.Background())
	assert.True(t, res.Success)
	require.Len(t, res.Phases, 3)
	assert.True(t, res.Phases[1].Skipped)
	assert.False(t, res.Phases[1].OK)
}

func TestRecoveryTestDoesNotChangeState(t *testing.T) {
	h := newTestHarness(t, nil)
	h.register(t, "agent-1")
	ev, err := h.ctrl.Trigger(context.Background(), TriggerRequest{})
	require.NoError(t, err)

	res := h.ctrl.TestRecovery(context.Background())
	assert.True(t, res.Success)

	st := h.status(t)
	assert.Equal(t, StateTriggered, st.State)
	assert.Equal(t, ev.ID, st.CurrentTrigger.ID)
	assert.Equal(t, []string{"agent-1"}, st.MissingAcknowledgments)
}

func TestRecoveryTestHistoryIsBounded(t *testing.T) {
	h := newTestHarness(t, nil)
	runs := maxTestHistory + 5
	for i := 0; i < runs; i++ {
		h.ctrl.TestRecovery(context.Background())
	}

	d, _, err := h.ctrl.load()
	require.NoError(t, err)
	assert.Equal(t, runs, d.TestCount)
	assert.Len(t, d.TestHistory, maxTestHistory)
	assert.Empty(t, h.status(t).ValidationProblems)
}

func TestRunPhaseTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := make(chan struct{})
	defer close(block)
	pr := runPhase(ctx, phase{name: "slow", probe: func(context.Context) error {
		<-block
		return nil
	}})
	assert.False(t, pr.OK)
	assert.Contains(t, pr.Error, "timed out")
}

func TestRunPhaseSkipped(t *testing.T) {
	pr := runPhase(context.Background(), phase{name: "x", probe: func(context.Context) error {
		return errors.Join(errSkipped, errors.New("not configured"))
	}})
	assert.True(t, pr.Skipped)
	assert.False(t, pr.OK)
}
