// Package dispatch admits formatting jobs, deduplicates them by content
// address, and drives a bounded worker pool. FIFO admission order is
// preserved; at most the configured worker count is ever Running.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmtd/fmtd/engine/cache"
	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/executor"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/fmtd/fmtd/pkg/logger"
)

// terminalRetention bounds how long finished jobs stay visible for status
// queries before the lazy sweep in Submit reclaims them.
const terminalRetention = time.Hour

type Dispatcher struct {
	cfg      config.DispatchConfig
	executor *executor.Executor
	store    *cache.Store

	mu   sync.Mutex
	jobs map[core.Key]*Job

	queue   chan *Job
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	started bool
}

func New(cfg config.DispatchConfig, exec *executor.Executor, store *cache.Store) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		executor: exec,
		store:    store,
		jobs:     make(map[core.Key]*Job),
		queue:    make(chan *Job, cfg.QueueSize),
	}
}

// Start launches the worker pool. The given context is the lifetime of the
// pool; cancelling it aborts all running jobs.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	d.baseCtx, d.stop = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.started = true
	logger.FromContext(ctx).Info("dispatcher started",
		"workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
	return nil
}

// Stop drains the pool: no new jobs are admitted, running jobs are cancelled,
// and Stop returns when every worker has exited.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.stop()
	close(d.queue)
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		d.drainCancelled()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop interrupted: %w", ctx.Err())
	}
}

// Submit admits a request. Identical to a cached result, it returns a job
// already in Succeeded state; identical to a live job, it attaches to that
// job instead of creating a duplicate — at most one execution is ever in
// flight per content address.
func (d *Dispatcher) Submit(ctx context.Context, req *executor.Request) (View, error) {
	key := req.Key
	if result, ok := d.store.Get(ctx, key); ok {
		job := newJob(key, req)
		job.finish(core.StatusSucceeded, result, nil)
		d.mu.Lock()
		if existing, ok := d.jobs[key]; ok && !existing.Status.IsTerminal() {
			job = existing
		} else {
			d.jobs[key] = job
		}
		view := job.view()
		d.mu.Unlock()
		return view, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked()
	if !d.started {
		return View{}, core.Internal(errors.New("dispatcher is not running"), nil)
	}
	if existing, ok := d.jobs[key]; ok && !existing.Status.IsTerminal() {
		return existing.view(), nil
	}
	job := newJob(key, req)
	select {
	case d.queue <- job:
		d.jobs[key] = job
		logger.FromContext(ctx).Debug("job admitted", "job_id", key, "queued", len(d.queue))
		return job.view(), nil
	default:
		return View{}, core.NewError(
			fmt.Errorf("admission queue is full (%d pending)", d.cfg.QueueSize),
			core.CodeQueueFull,
			map[string]any{"queue_size": d.cfg.QueueSize},
		)
	}
}

// Status returns a snapshot of the job, or JobNotFound.
func (d *Dispatcher) Status(id core.Key) (View, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[id]
	if !ok {
		return View{}, core.NewError(fmt.Errorf("job %s not found", id), core.CodeJobNotFound, nil)
	}
	return job.view(), nil
}

// Await blocks until the job reaches a terminal state and returns its result
// or terminal error. Multiple callers may await one job; all observe the same
// outcome.
func (d *Dispatcher) Await(ctx context.Context, id core.Key) (*core.ExecutionResult, error) {
	d.mu.Lock()
	job, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return nil, core.NewError(fmt.Errorf("job %s not found", id), core.CodeJobNotFound, nil)
	}
	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch job.Status {
	case core.StatusSucceeded:
		return job.Result, nil
	case core.StatusCancelled:
		return nil, context.Canceled
	default:
		return nil, job.Err
	}
}

// Cancel cancels a job: a Queued job is removed before it ever runs, a
// Running job is cancelled cooperatively, and a terminal job is a no-op.
func (d *Dispatcher) Cancel(id core.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[id]
	if !ok {
		return core.NewError(fmt.Errorf("job %s not found", id), core.CodeJobNotFound, nil)
	}
	switch {
	case job.Status.IsTerminal():
		return nil
	case job.Status == core.StatusQueued:
		job.finish(core.StatusCancelled, nil, context.Canceled)
		return nil
	default:
		if job.cancel != nil {
			job.cancel()
		}
		return nil
	}
}

// Stats reports queue depth and live job counts.
func (d *Dispatcher) Stats() (queued, running int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range d.jobs {
		switch job.Status {
		case core.StatusQueued:
			queued++
		case core.StatusRunning:
			running++
		}
	}
	return queued, running
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := logger.FromContext(d.baseCtx).With("worker", id)
	for {
		select {
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(log, job)
		case <-d.baseCtx.Done():
			d.drainCancelled()
			return
		}
	}
}

// drainCancelled marks every still-queued job as cancelled during shutdown
// so waiters are released instead of hanging.
func (d *Dispatcher) drainCancelled() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		select {
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			if job.Status == core.StatusQueued {
				job.finish(core.StatusCancelled, nil, context.Canceled)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) process(log logger.Logger, job *Job) {
	d.mu.Lock()
	if job.Status != core.StatusQueued {
		// Cancelled while waiting in the queue.
		d.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(d.baseCtx)
	job.Status = core.StatusRunning
	job.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	d.store.Pin(job.ID)
	defer d.store.Unpin(job.ID)

	start := time.Now()
	jobCtx = logger.ContextWithLogger(jobCtx, log.With("job_id", job.ID))
	result, err := d.executor.Execute(jobCtx, job.Request)

	status := terminalFor(err)
	if status == core.StatusSucceeded {
		// A persistence fault is logged and swallowed: the caller still gets
		// the freshly computed result.
		if putErr := d.store.Put(jobCtx, job.ID, result); putErr != nil {
			log.Error("failed to persist result", "job_id", job.ID, "error", putErr)
		}
	}

	d.mu.Lock()
	if !job.Status.IsTerminal() {
		job.finish(status, result, err)
	}
	d.mu.Unlock()

	log.Info("job finished",
		"job_id", job.ID, "status", status, "duration", time.Since(start))
}

// sweepLocked drops jobs whose terminal state is older than the retention
// window; callers hold mu. Retention counts from completion, so a long-running
// job stays visible for the full window after it finishes.
func (d *Dispatcher) sweepLocked() {
	cutoff := time.Now().Add(-terminalRetention)
	for key, job := range d.jobs {
		if job.Status.IsTerminal() && job.FinishedAt.Before(cutoff) {
			delete(d.jobs, key)
		}
	}
}
