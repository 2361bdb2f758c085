// Package worker runs jobs leased from the queue: a Worker owns at most one
// job at a time, a Pool runs a fixed number of Workers and drains them on
// shutdown, and a Registry drains every Pool when the process is signalled.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/metrics"
)

const (
	// DefaultPollInterval is how long an idle worker waits between polls.
	DefaultPollInterval = 2 * time.Second

	// MaxContiguousErrors is how many lease failures in a row stop a worker.
	MaxContiguousErrors = 10
)

var (
	ErrNoTasks      = errors.New("no runnable tasks")
	ErrShuttingDown = errors.New("process is shutting down; not starting new workers")
	// ErrSignalled resolves a pool's Done when a process signal shut it
	// down. The signal is re-raised once every pool has drained.
	ErrSignalled = errors.New("worker pool shut down by signal")
)

var tracer = otel.Tracer("enqworker/worker")

// State is a worker's position in its poll/execute cycle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a worker.
type Options struct {
	// WorkerID must be unique among workers sharing the database. A random
	// id is generated when empty.
	WorkerID     string
	PollInterval time.Duration
	Logger       *zap.Logger
	// NoLogSuccess suppresses the per-job success line.
	NoLogSuccess bool
	// AddJob backs Helpers.AddJob. Defaults to the gateway's AddJob.
	AddJob AddJobFunc
}

// Worker leases and runs one job at a time until released or stopped by a
// fatal error.
type Worker struct {
	id           string
	tasks        TaskList
	supported    []string
	gw           Gateway
	addJob       AddJobFunc
	pollInterval time.Duration
	continuous   bool
	noLogSuccess bool
	logger       *zap.Logger
	taskLogger   *zap.Logger

	// base carries storage calls; jobCtx carries task execution and is
	// cancelled when the job is abandoned.
	base      context.Context
	jobCtx    context.Context
	cancelJob context.CancelFunc

	wake   chan struct{}
	stopCh chan struct{}
	done   *Done

	// owned by the run goroutine
	contiguousErrors int

	mu            sync.Mutex
	state         State
	active        bool
	again         bool
	activeJob     *domain.Job
	abandoned     bool
	abandonReason string
}

func startWorker(ctx context.Context, tasks TaskList, gw Gateway, opts Options, continuous bool) *Worker {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AddJob == nil {
		opts.AddJob = gw.AddJob
	}

	base := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithCancel(base)
	w := &Worker{
		id:           opts.WorkerID,
		tasks:        tasks,
		supported:    tasks.Names(),
		gw:           gw,
		addJob:       opts.AddJob,
		pollInterval: opts.PollInterval,
		continuous:   continuous,
		noLogSuccess: opts.NoLogSuccess,
		logger:       opts.Logger.Named("worker").With(zap.String("worker_id", opts.WorkerID)),
		taskLogger:   opts.Logger.Named("task"),
		base:         base,
		jobCtx:       jobCtx,
		cancelJob:    cancel,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         NewDone(),
		state:        StatePolling,
		active:       true,
	}
	// Polling until the first poll finds nothing and arms the timer.
	metrics.Workers.WithLabelValues(StatePolling.String()).Inc()
	w.logger.Debug("spawned")

	go w.run()
	return w
}

func (w *Worker) ID() string { return w.id }

// Done resolves when the worker has stopped, with an error if it stopped
// fatally.
func (w *Worker) Done() *Done { return w.done }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ActiveJob returns the job currently executing, or nil.
func (w *Worker) ActiveJob() *domain.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeJob
}

// Nudge asks an idle worker to poll now instead of waiting for its timer
// and reports whether it did. A worker that is mid-poll returns false but
// polls again immediately if that poll finds nothing. Executing or stopped
// workers ignore the nudge.
func (w *Worker) Nudge() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return false
	}
	switch w.state {
	case StateIdle:
		w.setState(StatePolling)
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return true
	case StatePolling:
		w.again = true
	}
	return false
}

// Release asks the worker to stop after its current cycle. An idle worker
// stops at once; one executing a job stops after reporting it.
func (w *Worker) Release() *Done {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		w.active = false
		close(w.stopCh)
	}
	return w.done
}

// abandon stops the worker without waiting for its job. The in-flight job,
// if any, is returned for the caller to fail; the worker will not report
// it. The task's context is cancelled.
func (w *Worker) abandon(reason string) *domain.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned = true
	w.abandonReason = reason
	if w.active {
		w.active = false
		close(w.stopCh)
	}
	w.cancelJob()
	return w.activeJob
}

// setState must be called with mu held.
func (w *Worker) setState(s State) {
	if w.state == s {
		return
	}
	metrics.Workers.WithLabelValues(w.state.String()).Dec()
	metrics.Workers.WithLabelValues(s.String()).Inc()
	w.state = s
}

func (w *Worker) run() {
	for {
		if !w.beginPoll() {
			w.stop(nil)
			return
		}

		job, err := w.gw.LeaseNextJob(w.base, w.id, w.supported)
		if err != nil {
			if !w.continuous {
				w.stop(err)
				return
			}
			metrics.LeaseErrors.Inc()
			w.contiguousErrors++
			w.logger.Warn("failed to acquire job",
				zap.Int("contiguous_errors", w.contiguousErrors),
				zap.Int("max_contiguous_errors", MaxContiguousErrors),
				zap.Error(err))
			if w.contiguousErrors >= MaxContiguousErrors {
				w.stop(errors.Wrapf(err, "failed %d times in a row to acquire job; latest error", w.contiguousErrors))
				return
			}
			if !w.sleep() {
				w.stop(nil)
				return
			}
			continue
		}
		w.contiguousErrors = 0

		if job == nil {
			if !w.continuous {
				w.stop(nil)
				return
			}
			// A nudge landed while we were polling: the new job may not have
			// been visible to our lease yet, so look again straight away.
			if w.retryNow() {
				continue
			}
			if !w.sleep() {
				w.stop(nil)
				return
			}
			continue
		}

		if err := w.execute(job); err != nil {
			w.stop(err)
			return
		}
	}
}

func (w *Worker) beginPoll() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return false
	}
	w.setState(StatePolling)
	w.again = false
	select {
	case <-w.wake:
	default:
	}
	return true
}

func (w *Worker) retryNow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active && w.again
}

// sleep waits out the poll interval, returning early on a nudge. It
// returns false if the worker was released.
func (w *Worker) sleep() bool {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return false
	}
	w.setState(StateIdle)
	timer := time.NewTimer(w.pollInterval)
	w.mu.Unlock()
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.wake:
	case <-w.stopCh:
		return false
	}
	return true
}

func (w *Worker) execute(job *domain.Job) error {
	logger := w.logger.With(zap.Int64("job_id", job.ID), zap.String("task", job.TaskIdentifier))

	w.mu.Lock()
	if w.abandoned {
		// Leased after the pool gave up on us, so the pool didn't fail it.
		reason := w.abandonReason
		w.mu.Unlock()
		return w.report(logger, job, errors.New(reason))
	}
	w.setState(StateExecuting)
	w.activeJob = job
	w.mu.Unlock()

	logger.Debug("found task")
	start := time.Now()
	runErr := w.runTask(job)
	duration := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.TaskIdentifier).Observe(duration.Seconds())

	w.mu.Lock()
	w.activeJob = nil
	abandoned := w.abandoned
	w.mu.Unlock()

	if abandoned {
		metrics.JobsTotal.WithLabelValues(job.TaskIdentifier, metrics.OutcomeAbandoned).Inc()
		logger.Warn("task finished after its job was abandoned", zap.Duration("duration", duration), zap.Error(runErr))
		return nil
	}

	if runErr != nil {
		metrics.JobsTotal.WithLabelValues(job.TaskIdentifier, metrics.OutcomeFailed).Inc()
		logger.Error("failed task", zap.Duration("duration", duration), zap.Error(runErr))
	} else {
		metrics.JobsTotal.WithLabelValues(job.TaskIdentifier, metrics.OutcomeCompleted).Inc()
		if !w.noLogSuccess {
			logger.Info("completed task", zap.Duration("duration", duration))
		}
	}
	return w.report(logger, job, runErr)
}

// report tells storage how the job went. If storage can't be told, the job's
// true state is unknown to us, so the error is fatal to the worker.
func (w *Worker) report(logger *zap.Logger, job *domain.Job, runErr error) error {
	var err error
	if runErr != nil {
		err = w.gw.FailJob(w.base, w.id, job.ID, runErr.Error())
	} else {
		err = w.gw.CompleteJob(w.base, w.id, job.ID)
	}
	if err == nil {
		return nil
	}
	when := "after success"
	if runErr != nil {
		when = fmt.Sprintf("after failure '%s'", runErr)
	}
	logger.Error("failed to release job; stopping worker", zap.String("when", when), zap.Error(err))
	return errors.Wrapf(err, "failed to release job %d %s", job.ID, when)
}

func (w *Worker) runTask(job *domain.Job) (err error) {
	ctx, span := tracer.Start(w.jobCtx, "job.execute", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.task", job.TaskIdentifier),
		attribute.String("job.queue", job.QueueName),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("task %q panicked: %v", job.TaskIdentifier, p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	task, ok := w.tasks[job.TaskIdentifier]
	if !ok {
		// Leasing only asks for supported tasks, so this is a bug somewhere;
		// blame the job rather than the worker.
		return errors.Errorf("unsupported task '%s'", job.TaskIdentifier)
	}
	helpers := &Helpers{
		Job:      job,
		Logger:   w.taskLogger.Named(job.TaskIdentifier).With(zap.Int64("job_id", job.ID)),
		WithConn: w.gw.WithConn,
		AddJob:   w.addJob,
	}
	return task.Run(ctx, job.Payload, helpers)
}

func (w *Worker) stop(err error) {
	w.mu.Lock()
	w.active = false
	w.setState(StateStopped)
	w.mu.Unlock()
	w.cancelJob()
	metrics.Workers.WithLabelValues(StateStopped.String()).Dec()

	if err != nil && w.continuous {
		metrics.WorkerFatal.Inc()
		w.logger.Error("worker stopped", zap.Error(err))
	} else {
		w.logger.Debug("worker stopped")
	}
	w.done.Resolve(err)
}

// RunOnce leases and runs jobs on a single worker until none are runnable,
// then returns. A storage error ends the run with that error.
func RunOnce(ctx context.Context, tasks TaskList, gw Gateway, opts Options) error {
	if len(tasks) == 0 {
		return ErrNoTasks
	}
	w := startWorker(ctx, tasks, gw, opts, false)
	select {
	case <-w.Done().C():
		return w.Done().Err()
	case <-ctx.Done():
		w.Release()
		<-w.Done().C()
		return ctx.Err()
	}
}
