// Package runner wires storage, tasks and a worker pool together. It is the
// entry point for embedding the worker in another program.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/notify"
	"github.com/SirClappington/enqworker/internal/storage"
	"github.com/SirClappington/enqworker/internal/tasks"
	"github.com/SirClappington/enqworker/internal/worker"
)

var (
	ErrTaskSource       = errors.New("exactly one of TaskList or TaskDirectory must be set")
	ErrConnectionSource = errors.New("exactly one of Pool or ConnectionString must be set")
	ErrStopped          = errors.New("runner is already stopped")
)

type Options struct {
	// TaskList and TaskDirectory are mutually exclusive.
	TaskList      worker.TaskList
	TaskDirectory string

	// Pool and ConnectionString are mutually exclusive. A pool built from
	// ConnectionString is closed when the runner stops.
	Pool             *pgxpool.Pool
	ConnectionString string
	MaxConns         int32

	Concurrency  int
	PollInterval time.Duration
	NoLogSuccess bool
	Logger       *zap.Logger

	// Redis, when set, carries new-job notifications instead of Postgres
	// LISTEN/NOTIFY. Jobs added through the runner publish on it.
	Redis *r.Client

	Registry *worker.Registry
}

// setup is what every mode needs before it can do work.
type setup struct {
	logger    *zap.Logger
	tasks     worker.TaskList
	store     *storage.Store
	listener  notify.Listener
	addJob    worker.AddJobFunc
	releasers []func() error
}

func (s *setup) release() error {
	var err error
	for i := len(s.releasers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.releasers[i]())
	}
	s.releasers = nil
	return err
}

// prepare validates opts, resolves tasks, connects and migrates. Tasks are
// skipped when needTasks is false.
func prepare(ctx context.Context, opts Options, needTasks bool) (s *setup, err error) {
	s = &setup{logger: opts.Logger}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.release())
			s = nil
		}
	}()

	if needTasks {
		if (opts.TaskList != nil) == (opts.TaskDirectory != "") {
			return s, ErrTaskSource
		}
		s.tasks = opts.TaskList
		if opts.TaskDirectory != "" {
			if s.tasks, err = tasks.Load(opts.TaskDirectory, s.logger); err != nil {
				return s, err
			}
		}
	}

	if (opts.Pool != nil) == (opts.ConnectionString != "") {
		return s, ErrConnectionSource
	}
	pool := opts.Pool
	if pool == nil {
		if pool, err = connect(ctx, opts); err != nil {
			return s, err
		}
		s.releasers = append(s.releasers, func() error { pool.Close(); return nil })
	}

	s.store = storage.New(pool)
	if err = s.store.Migrate(ctx, s.logger); err != nil {
		return s, err
	}

	s.addJob = s.store.AddJob
	if opts.Redis != nil {
		s.listener = notify.NewRedisListener(opts.Redis, s.logger)
		s.addJob = publishing(s.store.AddJob, notify.NewRedisPublisher(opts.Redis), s.logger)
	} else {
		s.listener = notify.NewPGListener(pool, s.logger)
	}
	return s, nil
}

func connect(ctx context.Context, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.ConnectionString)
	if err != nil {
		return nil, errors.Wrap(err, "parse connection string")
	}
	// Every worker may hold a connection at once, plus the listener.
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	} else if need := int32(opts.Concurrency) + 2; cfg.MaxConns < need {
		cfg.MaxConns = need
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	return pool, nil
}

// publishing wraps add so every enqueue also broadcasts a notification.
// The job is already stored, so a failed publish only costs latency.
func publishing(add worker.AddJobFunc, pub notify.Publisher, logger *zap.Logger) worker.AddJobFunc {
	return func(ctx context.Context, identifier string, payload any, spec domain.TaskSpec) (*domain.Job, error) {
		job, err := add(ctx, identifier, payload, spec)
		if err != nil {
			return nil, err
		}
		if err := pub.Publish(ctx); err != nil {
			logger.Warn("failed to publish new job notification", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return job, nil
	}
}

func (s *setup) workerOptions(opts Options) worker.Options {
	return worker.Options{
		PollInterval: opts.PollInterval,
		Logger:       s.logger,
		NoLogSuccess: opts.NoLogSuccess,
		AddJob:       s.addJob,
	}
}

// MigrateOnly brings the schema up to date and returns. Task options are
// ignored.
func MigrateOnly(ctx context.Context, opts Options) error {
	s, err := prepare(ctx, opts, false)
	if err != nil {
		return err
	}
	return s.release()
}

// RunOnce runs jobs on a single worker until none are runnable, then
// returns.
func RunOnce(ctx context.Context, opts Options) error {
	s, err := prepare(ctx, opts, true)
	if err != nil {
		return err
	}
	err = worker.RunOnce(ctx, s.tasks, s.store, s.workerOptions(opts))
	return multierr.Append(err, s.release())
}

// Runner is a running worker pool.
type Runner struct {
	setup *setup
	pool  *worker.Pool

	mu      sync.Mutex
	stopped bool
}

// Run starts a worker pool and returns once it is running.
func Run(ctx context.Context, opts Options) (*Runner, error) {
	s, err := prepare(ctx, opts, true)
	if err != nil {
		return nil, err
	}
	pool, err := worker.NewPool(ctx, s.tasks, s.store, worker.PoolOptions{
		Options:     s.workerOptions(opts),
		Concurrency: opts.Concurrency,
		Listener:    s.listener,
		Registry:    opts.Registry,
	})
	if err != nil {
		return nil, multierr.Append(err, s.release())
	}
	return &Runner{setup: s, pool: pool}, nil
}

// AddJob enqueues a job directly in storage, bypassing the pool.
func (rn *Runner) AddJob(ctx context.Context, identifier string, payload any, spec domain.TaskSpec) (*domain.Job, error) {
	return rn.setup.addJob(ctx, identifier, payload, spec)
}

// Done resolves when the pool stops.
func (rn *Runner) Done() *worker.Done { return rn.pool.Done() }

// Stop releases the pool, waiting for in-progress jobs, and closes any
// connections the runner opened.
func (rn *Runner) Stop(ctx context.Context) error {
	rn.mu.Lock()
	if rn.stopped {
		rn.mu.Unlock()
		return ErrStopped
	}
	rn.stopped = true
	rn.mu.Unlock()

	err := rn.pool.Release(ctx)
	return multierr.Append(err, rn.setup.release())
}
