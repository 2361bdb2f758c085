package worker

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enqworker/internal/metrics"
	"github.com/SirClappington/enqworker/internal/notify"
)

// DefaultConcurrency is the number of workers a pool runs by default.
const DefaultConcurrency = 1

// PoolOptions configures a Pool. The embedded Options apply to every
// worker, except WorkerID which is always generated.
type PoolOptions struct {
	Options
	Concurrency int
	// Listener delivers new-job notifications. Without one, workers rely on
	// polling alone.
	Listener notify.Listener
	// Registry drains the pool on process signals. Defaults to
	// DefaultRegistry().
	Registry *Registry
}

// Pool runs a fixed set of workers against one gateway.
type Pool struct {
	gw       Gateway
	registry *Registry
	logger   *zap.Logger
	done     *Done

	cancelListen context.CancelFunc
	listening    chan struct{}
	unlisten     sync.Once

	mu      sync.Mutex
	workers []*Worker
	live    int
	fatal   error
}

// NewPool registers the pool for signal handling, starts listening for new
// jobs and spawns the workers.
func NewPool(ctx context.Context, tasks TaskList, gw Gateway, opts PoolOptions) (*Pool, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}

	p := &Pool{
		gw:        gw,
		registry:  opts.Registry,
		logger:    opts.Logger.Named("pool"),
		done:      NewDone(),
		listening: make(chan struct{}),
	}
	if err := p.registry.Register(p); err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelListen = cancel
	if opts.Listener != nil {
		go func() {
			defer close(p.listening)
			if err := opts.Listener.Listen(listenCtx, p.nudge); err != nil {
				p.logger.Error("notify listener stopped", zap.Error(err))
			}
		}()
	} else {
		close(p.listening)
	}

	workerOpts := opts.Options
	workerOpts.WorkerID = ""
	p.mu.Lock()
	for i := 0; i < opts.Concurrency; i++ {
		w := startWorker(ctx, tasks, gw, workerOpts, true)
		p.workers = append(p.workers, w)
		p.live++
		go p.watch(w)
	}
	p.mu.Unlock()

	p.logger.Info("worker pool started; looking for jobs",
		zap.Int("concurrency", opts.Concurrency),
		zap.Strings("tasks", tasks.Names()))
	return p, nil
}

// Done resolves when the pool is released or shut down, with ErrSignalled
// if a process signal shut it down, or with an error once every worker has
// stopped fatally.
func (p *Pool) Done() *Done { return p.done }

// Workers returns a snapshot of the pool's workers in spawn order.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// nudge wakes the first idle worker. At most one worker is nudged per
// notification.
func (p *Pool) nudge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Nudge() {
			metrics.Nudges.WithLabelValues(strconv.FormatBool(true)).Inc()
			return
		}
	}
	metrics.Nudges.WithLabelValues(strconv.FormatBool(false)).Inc()
}

// watch drops a fatally stopped worker from the pool. Stopped workers are
// not replaced; when none are left the pool resolves with their errors.
func (p *Pool) watch(w *Worker) {
	<-w.Done().C()
	err := w.Done().Err()
	if err == nil {
		return
	}

	p.mu.Lock()
	for i, other := range p.workers {
		if other == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.live--
	p.fatal = multierr.Append(p.fatal, err)
	live, fatal := p.live, p.fatal
	p.mu.Unlock()

	p.logger.Error("worker stopped fatally and will not be replaced",
		zap.String("worker_id", w.ID()),
		zap.Int("live_workers", live),
		zap.Error(err))
	if live == 0 {
		p.stopListening()
		if p.done.Resolve(errors.Wrap(fatal, "all workers stopped")) {
			p.registry.Unregister(p)
		}
	}
}

func (p *Pool) stopListening() {
	p.unlisten.Do(func() {
		p.cancelListen()
		<-p.listening
	})
}

// GracefulShutdown stops every worker without waiting for its job, then
// fails the abandoned jobs with reason so they can be retried elsewhere.
// Storage errors are returned but never stop the shutdown from completing.
func (p *Pool) GracefulShutdown(ctx context.Context, reason string) error {
	return p.shutdown(ctx, reason, nil)
}

func (p *Pool) signalShutdown(ctx context.Context, sig os.Signal, reason string) error {
	return p.shutdown(ctx, reason, errors.Wrap(ErrSignalled, sig.String()))
}

// shutdown resolves Done with cause whether or not the jobs could be failed.
func (p *Pool) shutdown(ctx context.Context, reason string, cause error) error {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	workerIDs := make([]string, 0, len(workers))
	var jobIDs []int64
	for _, w := range workers {
		workerIDs = append(workerIDs, w.ID())
		if job := w.abandon(reason); job != nil {
			jobIDs = append(jobIDs, job.ID)
		}
	}

	var err error
	if len(jobIDs) > 0 {
		p.logger.Info("releasing in-flight jobs",
			zap.Strings("worker_ids", workerIDs),
			zap.Int64s("job_ids", jobIDs))
		n, ferr := p.gw.FailJobs(ctx, workerIDs, jobIDs, reason)
		if ferr != nil {
			p.logger.Error("failed to release in-flight jobs", zap.Error(ferr))
			err = ferr
		} else {
			p.logger.Info("released in-flight jobs", zap.Int("count", n))
		}
	}

	p.stopListening()
	p.done.Resolve(cause)
	p.registry.Unregister(p)
	return err
}

// Release stops the pool cooperatively: each worker finishes its current
// cycle and Release waits for all of them, or for ctx.
func (p *Pool) Release(ctx context.Context) error {
	p.stopListening()
	p.done.Resolve(nil)

	var g errgroup.Group
	for _, w := range p.Workers() {
		w := w
		g.Go(func() error {
			select {
			case <-w.Release().C():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	err := g.Wait()
	p.registry.Unregister(p)
	return err
}
