// Package exitcode defines structured exit codes for the killswitch CLI.
// Scripts and supervisors branch on these codes instead of parsing messages.
//
// # Exit Code Ranges
//
//   - 0: Success
//   - 1-9: General errors (usage, internal)
//   - 10-19: Resource not found (state document, agent, file)
//   - 20-29: Permission/access errors
//   - 30-39: Network/connectivity errors (event bus)
//   - 40-49: Timeout errors (lock contention)
//   - 50-59: Conflict/state errors (transition preconditions)
//   - 60-69: Safety outcomes (triggered, not compliant, recovery test failed)
//
// # Usage
//
//	return exitcode.Newf(exitcode.ErrUsage, "invalid reason: %s", reason)
//	return exitcode.Wrap(exitcode.ErrNotCompliant, "refusing to recover", err)
//
//	code := exitcode.Code(err) // ErrGeneral for uncoded errors
package exitcode

import (
	"errors"
	"fmt"
)

const (
	// Success indicates the command completed successfully.
	Success = 0

	// General errors (1-9)
	ErrGeneral  = 1 // General/unknown error
	ErrUsage    = 2 // Invalid arguments or usage
	ErrInternal = 3 // Internal error (bug)

	// Resource not found (10-19)
	ErrNotInitialized = 10 // No state document; run init
	ErrAgentNotFound  = 11 // Agent not registered
	ErrFileNotFound   = 13 // File or path not found

	// Permission/access errors (20-29)
	ErrPermission = 20

	// Network/connectivity (30-39)
	ErrBusUnavailable = 30 // Event bus unreachable

	// Timeout errors (40-49)
	ErrTimeout     = 40 // Operation timed out
	ErrLockTimeout = 41 // State lock contention outlasted the retry budget

	// Conflict/state errors (50-59)
	ErrConflict         = 50 // Generic precondition failure
	ErrAlreadyExists    = 51 // State document already exists
	ErrAlreadyTriggered = 52 // A trigger is already unresolved
	ErrNotTriggered     = 53 // Operation needs an unresolved trigger

	// Safety outcomes (60-69)
	ErrTriggered       = 60 // Kill switch active; the agent must not start
	ErrNotCompliant    = 61 // Some agent could not be confirmed stopped
	ErrRecoveryTest    = 62 // Last recovery test failed
	ErrBroadcastFailed = 63 // Trigger reached no channel
)

// Error is an error that carries the process exit status for the CLI.
// Message may be empty when Cause already says enough.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Cause == nil:
		return e.Message
	case e.Message == "":
		return e.Cause.Error()
	default:
		return e.Message + ": " + e.Cause.Error()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code int, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches code and message to cause.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Code returns the exit status for err: Success for nil, the outermost
// carried code when there is one, ErrGeneral otherwise.
func Code(err error) int {
	if err == nil {
		return Success
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrGeneral
}

// Is reports whether err exits with code.
func Is(err error, code int) bool { return Code(err) == code }

// Mapping pairs a sentinel with the code it should exit with.
type Mapping struct {
	Target error
	Code   int
}

// Classify returns err unchanged if it already carries a code, otherwise
// wraps it with the code of the first mapping it matches (errors.Is).
// Unmatched errors are returned as is and exit with ErrGeneral.
func Classify(err error, mappings ...Mapping) error {
	var coded *Error
	if err == nil || errors.As(err, &coded) {
		return err
	}
	for _, m := range mappings {
		if errors.Is(err, m.Target) {
			return &Error{Code: m.Code, Cause: err}
		}
	}
	return err
}
