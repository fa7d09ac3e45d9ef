package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/config"
	"github.com/steveyegge/killswitch/internal/exitcode"
	"github.com/steveyegge/killswitch/internal/killswitch"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

// isolate points the CLI at a fresh state directory with fast timeouts.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvStateDir, dir)
	t.Setenv(config.EnvNATSURL, "")
	t.Setenv(config.EnvMetricsURL, "")
	t.Setenv(config.EnvLogsURL, "")
	t.Setenv(config.EnvLogLevel, "warn")
	t.Setenv(config.EnvAckTimeout, "200ms")
	t.Setenv(config.EnvGracePeriod, "500ms")
	return dir
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	root := newRootCmd()
	var out, errb bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errb)
	code := run(root, append([]string{"--no-color"}, args...), &errb)
	return cliResult{code: code, stdout: out.String(), stderr: errb.String()}
}

func mustRun(t *testing.T, args ...string) cliResult {
	t.Helper()
	res := runCLI(t, args...)
	require.Equal(t, 0, res.code, "killswitch %v\nstdout: %s\nstderr: %s", args, res.stdout, res.stderr)
	return res
}

func statusJSON(t *testing.T) killswitch.Status {
	t.Helper()
	var st killswitch.Status
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "status", "-o", "json").stdout), &st))
	return st
}

// deadPID returns the pid of a process that has already exited and been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process runtime tests need a unix shell")
	}
	c := exec.Command("true")
	require.NoError(t, c.Run())
	return c.Process.Pid
}

// sleeper starts a long-running process that is reaped as soon as it dies,
// so liveness checks see it disappear.
func sleeper(t *testing.T) int {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process runtime tests need a unix shell")
	}
	c := exec.Command("sleep", "30")
	require.NoError(t, c.Start())
	done := make(chan struct{})
	go func() {
		_ = c.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = c.Process.Kill()
		<-done
	})
	return c.Process.Pid
}

func TestVersionSkipsConfig(t *testing.T) {
	isolate(t)
	t.Setenv(config.EnvConfig, filepath.Join(t.TempDir(), "missing.toml"))

	res := runCLI(t, "version")
	assert.Equal(t, 0, res.code)
	assert.Contains(t, res.stdout, "killswitch "+Version)
}

func TestMissingConfigFileFails(t *testing.T) {
	isolate(t)
	res := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "status")
	assert.Equal(t, exitcode.ErrGeneral, res.code)
	assert.Contains(t, res.stderr, "missing.toml")
}

func TestStatusBeforeInit(t *testing.T) {
	isolate(t)
	res := runCLI(t, "status")
	assert.Equal(t, exitcode.ErrNotInitialized, res.code)
	assert.Contains(t, res.stderr, "not initialized")
}

func TestInitWritesStateAndConfig(t *testing.T) {
	dir := isolate(t)

	res := mustRun(t, "init", "--write-config")
	assert.Contains(t, res.stdout, "Initialized")
	assert.FileExists(t, filepath.Join(dir, "killswitch.json"))
	assert.FileExists(t, filepath.Join(dir, config.FileName))

	assert.Equal(t, exitcode.ErrAlreadyExists, runCLI(t, "init").code)

	st := statusJSON(t)
	assert.Equal(t, killswitch.StateOperational, st.State)
	assert.Empty(t, st.ValidationProblems)
}

func TestStatusOutputFormats(t *testing.T) {
	isolate(t)
	mustRun(t, "init")

	text := mustRun(t, "status").stdout
	assert.Contains(t, text, "Kill switch: OPERATIONAL")

	yml := mustRun(t, "status", "-o", "yaml").stdout
	assert.Contains(t, yml, "state: OPERATIONAL")

	assert.Equal(t, exitcode.ErrUsage, runCLI(t, "status", "-o", "xml").code)
}

func TestAgentRegistryCommands(t *testing.T) {
	isolate(t)

	mustRun(t, "agent", "register", "agent-1", "--pid", "4242", "--host", "node-a")
	mustRun(t, "agent", "register", "agent-2")

	var agents []killswitch.AgentRecord
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "agent", "list", "-o", "json").stdout), &agents))
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-1", agents[0].ID)
	assert.Equal(t, 4242, agents[0].PID)
	assert.Equal(t, "node-a", agents[0].Host)

	text := mustRun(t, "agent", "list").stdout
	assert.Contains(t, text, "agent-1")
	assert.Contains(t, text, "4242")

	mustRun(t, "agent", "deregister", "agent-2")
	assert.Equal(t, exitcode.ErrAgentNotFound, runCLI(t, "agent", "deregister", "agent-2").code)
	assert.Equal(t, exitcode.ErrUsage, runCLI(t, "agent", "register", "bad id").code)
	assert.NotEqual(t, 0, runCLI(t, "agent").code)
	assert.NotEqual(t, 0, runCLI(t, "agent", "frobnicate").code)
}

func TestAgentAckCommand(t *testing.T) {
	isolate(t)
	mustRun(t, "agent", "register", "agent-1")
	mustRun(t, "agent", "register", "agent-2")

	assert.Equal(t, exitcode.ErrNotTriggered, runCLI(t, "agent", "ack", "agent-1").code)

	mustRun(t, "trigger", "--reason", "test")
	mustRun(t, "agent", "ack", "agent-1")
	assert.Equal(t, exitcode.ErrConflict, runCLI(t, "agent", "ack", "stranger").code)

	st := statusJSON(t)
	assert.Equal(t, 0.5, st.AcknowledgmentRate)
	assert.Equal(t, []string{"agent-2"}, st.MissingAcknowledgments)
}

// Without an event bus the trigger lands in the backup trigger file, which
// blocks agent startup until recovery.
func TestTriggerWithoutBusBlocksAgentStart(t *testing.T) {
	dir := isolate(t)
	mustRun(t, "init")
	mustRun(t, "agent", "register", "agent-1", "--pid", "999999")

	res := mustRun(t, "trigger", "--reason", "external-signal", "--message", "upstream alarm")
	assert.Contains(t, res.stdout, "Kill switch triggered")
	assert.Contains(t, res.stdout, "backup trigger file written")
	assert.FileExists(t, filepath.Join(dir, "backup_trigger.json"))

	assert.Equal(t, exitcode.ErrAlreadyTriggered, runCLI(t, "trigger").code)

	check := runCLI(t, "agent", "check", "agent-1")
	assert.Equal(t, exitcode.ErrTriggered, check.code)
	assert.Contains(t, check.stderr, "EXTERNAL_SIGNAL")

	quiet := runCLI(t, "agent", "check", "agent-1", "-q")
	assert.Equal(t, exitcode.ErrTriggered, quiet.code)
	assert.Empty(t, quiet.stdout)
	assert.Empty(t, quiet.stderr)

	st := statusJSON(t)
	assert.True(t, st.BackupTriggerActive)
	assert.False(t, st.ComplianceVerified)

	// Compliance was never verified, so recovery needs --force.
	assert.Equal(t, exitcode.ErrNotCompliant, runCLI(t, "recover", "--reason", "false alarm").code)
	res = mustRun(t, "recover", "--reason", "false alarm", "--force", "--actor", "ops")
	assert.Contains(t, res.stdout, "forced")

	mustRun(t, "agent", "check", "agent-1")
	st = statusJSON(t)
	assert.Equal(t, killswitch.StateOperational, st.State)
	require.NotNil(t, st.LastRecovery)
	assert.True(t, st.LastRecovery.Forced)
	assert.Equal(t, "ops", st.LastRecovery.Actor)
}

func TestTriggerWaitForceKillsAndRecovers(t *testing.T) {
	isolate(t)
	pid := sleeper(t)
	stopped := deadPID(t)

	mustRun(t, "agent", "register", "runaway", "--pid", strconv.Itoa(pid))
	mustRun(t, "agent", "register", "quiet", "--pid", strconv.Itoa(stopped))

	res := mustRun(t, "trigger", "--reason", "safety-violation", "--wait", "--timeout", "100ms", "-o", "json")
	var summary killswitch.ComplianceSummary
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &summary))
	assert.True(t, summary.Verified)
	assert.True(t, summary.TimedOut)
	assert.Equal(t, []string{"runaway"}, summary.ForceKilled)
	assert.ElementsMatch(t, []string{"quiet", "runaway"}, summary.Missing)

	st := statusJSON(t)
	assert.Equal(t, killswitch.StateTriggered, st.State)
	assert.True(t, st.ComplianceVerified)
	assert.True(t, st.ForceKillUsed)

	text := mustRun(t, "status").stdout
	assert.Contains(t, text, "force-terminated")

	assert.Equal(t, exitcode.ErrUsage, runCLI(t, "recover", "--reason", " ").code)
	res = mustRun(t, "recover", "--reason", "runaway contained", "--test")
	assert.Contains(t, res.stdout, "Recovery test passed")
	assert.Contains(t, res.stdout, "recovered from trigger "+summary.TriggerID)
	assert.Equal(t, exitcode.ErrNotTriggered, runCLI(t, "recover", "--reason", "again").code)

	var entries []audit.Entry
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "history", "-o", "json", "-n", "0").stdout), &entries))
	kinds := map[audit.Kind]bool{}
	for _, e := range entries {
		kinds[e.Kind] = true
	}
	for _, k := range []audit.Kind{audit.KindAgentRegister, audit.KindTrigger, audit.KindForceKill, audit.KindVerify, audit.KindRecoveryTest, audit.KindRecover} {
		assert.True(t, kinds[k], "missing audit kind %s", k)
	}

	forceKills := mustRun(t, "history", "--kind", "force_kill").stdout
	assert.Contains(t, forceKills, "force_kill")
	assert.NotContains(t, forceKills, "agent_register")
}

func TestVerifyCommand(t *testing.T) {
	isolate(t)
	mustRun(t, "agent", "register", "quiet", "--pid", strconv.Itoa(deadPID(t)))

	assert.Equal(t, exitcode.ErrNotTriggered, runCLI(t, "verify").code)

	mustRun(t, "trigger")
	res := mustRun(t, "verify")
	assert.Contains(t, res.stdout, "Compliance verified")
	assert.Contains(t, res.stdout, "Missing")
}

func TestVerifyFailsForUnverifiableAgent(t *testing.T) {
	isolate(t)
	// No pid: the runtime cannot establish that the agent stopped.
	mustRun(t, "agent", "register", "ghost")
	mustRun(t, "trigger")

	res := runCLI(t, "verify")
	assert.Equal(t, exitcode.ErrNotCompliant, res.code)
	assert.Contains(t, res.stdout, "NOT verified")
	assert.Contains(t, res.stdout, "ghost")
}

func TestTestRecoveryCommand(t *testing.T) {
	isolate(t)
	mustRun(t, "init")

	res := mustRun(t, "test-recovery")
	assert.Contains(t, res.stdout, "Recovery test passed")
	assert.Contains(t, res.stdout, "skipped")
	assert.Equal(t, 1, statusJSON(t).TestCount)

	// A state file under a regular file can be neither read nor written.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	t.Setenv(config.EnvStateFile, filepath.Join(blocker, "killswitch.json"))
	res = runCLI(t, "test-recovery")
	assert.Equal(t, exitcode.ErrRecoveryTest, res.code)
	assert.Contains(t, res.stderr, "state_store")
}

func TestRecoverRefusesAfterFailedTest(t *testing.T) {
	isolate(t)
	mustRun(t, "agent", "register", "quiet", "--pid", strconv.Itoa(deadPID(t)))
	mustRun(t, "trigger", "--wait")

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	t.Setenv(config.EnvBackupTrigger, filepath.Join(blocker, "backup_trigger.json"))

	res := runCLI(t, "recover", "--reason", "done", "--test")
	assert.Equal(t, exitcode.ErrRecoveryTest, res.code)
	assert.Contains(t, res.stdout, "backup_trigger")

	// The failed result is remembered.
	assert.Equal(t, exitcode.ErrRecoveryTest, runCLI(t, "recover", "--reason", "done").code)
	assert.True(t, statusJSON(t).Triggered)

	t.Setenv(config.EnvBackupTrigger, "")
	mustRun(t, "recover", "--reason", "done", "--force")
	st := statusJSON(t)
	assert.Equal(t, killswitch.StateOperational, st.State)
	require.NotNil(t, st.LastRecovery)
	assert.True(t, st.LastRecovery.Forced)
}

func TestStateCommands(t *testing.T) {
	isolate(t)
	mustRun(t, "init")

	assert.Equal(t, exitcode.ErrFileNotFound, runCLI(t, "state", "restore").code)
	assert.Contains(t, mustRun(t, "state", "backups").stdout, "No backups")

	mustRun(t, "agent", "register", "agent-1")
	assert.Contains(t, mustRun(t, "state", "validate").stdout, "is valid")
	assert.NotEmpty(t, mustRun(t, "state", "backups").stdout)

	res := mustRun(t, "state", "restore")
	assert.Contains(t, res.stdout, "Restored")
	assert.Zero(t, statusJSON(t).RegisteredAgents)
}

func TestStateValidateReportsProblems(t *testing.T) {
	dir := isolate(t)
	mustRun(t, "init")

	path := filepath.Join(dir, "killswitch.json")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(content, &doc))
	doc["state"] = "TRIGGERED"
	content, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	res := runCLI(t, "state", "validate")
	assert.Equal(t, exitcode.ErrConflict, res.code)
	assert.Contains(t, res.stdout, "/current_trigger")
}

func TestHistoryDisabled(t *testing.T) {
	isolate(t)
	t.Setenv(config.EnvAuditDB, config.AuditDisabled)
	mustRun(t, "init")
	assert.Equal(t, exitcode.ErrUsage, runCLI(t, "history").code)
}

func TestServeRequiresBus(t *testing.T) {
	isolate(t)
	assert.Equal(t, exitcode.ErrBusUnavailable, runCLI(t, "serve").code)
}
