package cmd

import (
	"errors"
	"fmt"

	"github.com/steveyegge/killswitch/internal/eventbus"
	"github.com/steveyegge/killswitch/internal/exitcode"
	"github.com/steveyegge/killswitch/internal/killswitch"
	"github.com/steveyegge/killswitch/internal/statestore"
)

// silentExit carries an exit code for commands that have already reported
// their outcome, such as "agent check" in a startup script.
type silentExit struct {
	code int
}

func (e *silentExit) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// errUsage marks flag and argument mistakes the parser cannot catch.
var errUsage = exitcode.New(exitcode.ErrUsage, "invalid usage")

var exitMappings = []exitcode.Mapping{
	{Target: killswitch.ErrNotInitialized, Code: exitcode.ErrNotInitialized},
	{Target: statestore.ErrNotFound, Code: exitcode.ErrNotInitialized},
	{Target: statestore.ErrAlreadyExists, Code: exitcode.ErrAlreadyExists},
	{Target: killswitch.ErrAlreadyTriggered, Code: exitcode.ErrAlreadyTriggered},
	{Target: killswitch.ErrNotTriggered, Code: exitcode.ErrNotTriggered},
	{Target: statestore.ErrLockTimeout, Code: exitcode.ErrLockTimeout},
	{Target: statestore.ErrNoBackup, Code: exitcode.ErrFileNotFound},
	{Target: killswitch.ErrBroadcastFailed, Code: exitcode.ErrBroadcastFailed},
	{Target: killswitch.ErrBackupTriggerActive, Code: exitcode.ErrTriggered},
	{Target: killswitch.ErrUnknownAgentID, Code: exitcode.ErrAgentNotFound},
	{Target: killswitch.ErrUnexpectedAgent, Code: exitcode.ErrConflict},
	{Target: killswitch.ErrUnknownReason, Code: exitcode.ErrUsage},
	{Target: killswitch.ErrInvalidAgentID, Code: exitcode.ErrUsage},
	{Target: killswitch.ErrReasonRequired, Code: exitcode.ErrUsage},
	{Target: killswitch.ErrNoBus, Code: exitcode.ErrBusUnavailable},
	{Target: eventbus.ErrUnavailable, Code: exitcode.ErrBusUnavailable},
}

func classify(err error) error {
	return exitcode.Classify(err, exitMappings...)
}

func exitCode(err error) int {
	var s *silentExit
	if errors.As(err, &s) {
		return s.code
	}
	return exitcode.Code(err)
}
