package core

import "time"

// ExecutionResult is the immutable outcome of one external formatter run.
type ExecutionResult struct {
	Output   []byte        `json:"-"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Key      Key           `json:"key"`
}

// Size returns the byte size accounted against cache bounds.
func (r *ExecutionResult) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Output) + len(r.Stderr))
}
