package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/executor"
)

// Job tracks one unit of formatting work from admission to terminal outcome.
// All mutable fields are guarded by the owning dispatcher's lock; callers see
// jobs only through View snapshots and Await.
type Job struct {
	ID        core.Key
	Request   *executor.Request
	Status    core.JobStatus
	CreatedAt time.Time
	// FinishedAt is set when the job reaches a terminal state; the retention
	// sweep counts from it, not from admission.
	FinishedAt time.Time

	Result *core.ExecutionResult
	Err    error

	// cancel aborts the job context once the job is Running.
	cancel context.CancelFunc
	// done closes when the job reaches a terminal state.
	done chan struct{}
}

func newJob(id core.Key, req *executor.Request) *Job {
	return &Job{
		ID:        id,
		Request:   req,
		Status:    core.StatusQueued,
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// finish moves the job to a terminal state and releases its waiters.
// Callers hold the dispatcher lock.
func (j *Job) finish(status core.JobStatus, result *core.ExecutionResult, err error) {
	j.Status = status
	j.Result = result
	j.Err = err
	j.FinishedAt = time.Now().UTC()
	close(j.done)
}

// View is an immutable snapshot of a job for status reporting.
type View struct {
	ID        core.Key       `json:"id"`
	Status    core.JobStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Error     *core.Error    `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

func (j *Job) view() View {
	v := View{
		ID:        j.ID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
	}
	if j.Err != nil {
		if typed, ok := j.Err.(*core.Error); ok {
			v.Error = typed
		} else {
			v.Error = core.NewError(j.Err, core.CodeOf(j.Err), nil)
		}
	}
	if j.Result != nil {
		v.Duration = j.Result.Duration
	}
	return v
}

// terminalFor maps an execution outcome onto the job's terminal status.
func terminalFor(err error) core.JobStatus {
	switch {
	case err == nil:
		return core.StatusSucceeded
	case errors.Is(err, context.Canceled):
		return core.StatusCancelled
	case core.IsCode(err, core.CodeTimedOut):
		return core.StatusTimedOut
	default:
		return core.StatusFailed
	}
}
