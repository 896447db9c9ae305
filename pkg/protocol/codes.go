package protocol

// Synthetic exit codes. Real handler exit codes are never negative, so these
// cannot collide with a handler's own failure codes.
const (
	// ExitSignaled marks a child that did not exit normally (killed or crashed).
	ExitSignaled = -1
	// ExitMalformed answers a request that failed validation.
	ExitMalformed = -400
	// ExitUnverified answers a request whose signature did not verify.
	ExitUnverified = -401
	// ExitUnknownCommand answers a request for a command no handler registered.
	ExitUnknownCommand = -404
	// ExitNotRunnable is reported when the handler could not be spawned. The
	// controller sees it exactly like an unknown command.
	ExitNotRunnable = ExitUnknownCommand
	// ExitAlreadyRunning answers a request for a command that is still running.
	ExitAlreadyRunning = -409
	// ExitUnsupportedProtocol answers a request with an unsupported protocol version.
	ExitUnsupportedProtocol = -426
	// ExitShuttingDown answers requests received after the agent stopped accepting work.
	ExitShuttingDown = -503
)

// ExitCodeName returns a short name for synthetic codes, or "" for handler codes.
func ExitCodeName(code int) string {
	switch code {
	case ExitSignaled:
		return "SIGNALED"
	case ExitMalformed:
		return "MALFORMED"
	case ExitUnverified:
		return "UNVERIFIED"
	case ExitUnknownCommand:
		return "UNKNOWN_COMMAND"
	case ExitAlreadyRunning:
		return "ALREADY_RUNNING"
	case ExitUnsupportedProtocol:
		return "UNSUPPORTED_PROTOCOL"
	case ExitShuttingDown:
		return "SHUTTING_DOWN"
	}
	return ""
}
