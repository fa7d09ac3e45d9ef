//go:build !windows

package agent

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startProcess launches a shell command and reaps it in the background so
// that a killed process does not linger as a zombie.
func startProcess(t *testing.T, script string) int {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command("sh", "-c", script)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return pid
}

func TestProcessRuntime_ExistsAndGracefulStop(t *testing.T) {
	pid := startProcess(t, "exec sleep 30")
	rt := NewProcessRuntime(PIDsFromMap(map[string]int{"worker": pid}), time.Second)

	alive, err := rt.Exists("worker")
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, rt.Stop("worker", true))

	require.Eventually(t, func() bool {
		alive, err := rt.Exists("worker")
		return err == nil && !alive
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProcessRuntime_EscalatesToKill(t *testing.T) {
	pid := startProcess(t, `trap "" TERM; exec sleep 30`)
	// Give the shell time to install the trap before signalling.
	time.Sleep(200 * time.Millisecond)

	rt := NewProcessRuntime(PIDsFromMap(map[string]int{"stubborn": pid}), 300*time.Millisecond)

	start := time.Now()
	require.NoError(t, rt.Stop("stubborn", true))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	require.Eventually(t, func() bool {
		alive, err := rt.Exists("stubborn")
		return err == nil && !alive
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProcessRuntime_ForceStop(t *testing.T) {
	pid := startProcess(t, "exec sleep 30")
	rt := NewProcessRuntime(PIDsFromMap(map[string]int{"worker": pid}), time.Minute)

	start := time.Now()
	require.NoError(t, rt.Stop("worker", false))
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool {
		alive, _ := rt.Exists("worker")
		return !alive
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProcessRuntime_UnknownAgent(t *testing.T) {
	rt := NewProcessRuntime(PIDsFromMap(map[string]int{"zero": 0}), 0)

	_, err := rt.Exists("missing")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = rt.Exists("zero")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	assert.ErrorIs(t, rt.Stop("missing", true), ErrUnknownAgent)
	assert.Equal(t, DefaultGracePeriod, rt.grace)
}

func TestProcessRuntime_StopExitedProcess(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())

	rt := NewProcessRuntime(PIDsFromMap(map[string]int{"gone": cmd.Process.Pid}), 100*time.Millisecond)

	alive, err := rt.Exists("gone")
	require.NoError(t, err)
	assert.False(t, alive)
	assert.NoError(t, rt.Stop("gone", true))
}
