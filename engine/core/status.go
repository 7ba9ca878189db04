package core

// -----------------------------------------------------------------------------
// Job Status
// -----------------------------------------------------------------------------

type JobStatus string

const (
	StatusQueued    JobStatus = "Queued"
	StatusRunning   JobStatus = "Running"
	StatusSucceeded JobStatus = "Succeeded"
	StatusFailed    JobStatus = "Failed"
	StatusCancelled JobStatus = "Cancelled"
	StatusTimedOut  JobStatus = "TimedOut"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the Queued -> Running -> terminal state machine.
// Queued may also move straight to Cancelled (pre-execution cancellation).
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}
