// Package events defines execution event types and publisher implementations.
package events

// Execution phases.
const (
	PhaseStarted  = "started"
	PhaseFinished = "finished"
	PhaseRejected = "rejected"
)

// CommandEvent is emitted when a command invocation starts, finishes or is
// rejected before a process was spawned.
type CommandEvent struct {
	Agent      string `json:"agent"`
	RequestID  string `json:"requestId"`
	Command    string `json:"command"`
	From       string `json:"from"`
	Phase      string `json:"phase"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	// Reason names the synthetic exit code of a rejection.
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}
