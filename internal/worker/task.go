package worker

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
)

// Gateway is the storage the workers run against. LeaseNextJob,
// CompleteJob and FailJob must each be atomic in storage; no in-process
// locking backs them up.
type Gateway interface {
	// LeaseNextJob locks the first runnable job whose task is in
	// taskIdentifiers and whose queue is not locked, ordered by priority,
	// run_at, id. It returns (nil, nil) when there is none.
	LeaseNextJob(ctx context.Context, workerID string, taskIdentifiers []string) (*domain.Job, error)
	CompleteJob(ctx context.Context, workerID string, jobID int64) error
	FailJob(ctx context.Context, workerID string, jobID int64, message string) error
	// FailJobs fails jobIDs still locked by any of workerIDs in one call.
	FailJobs(ctx context.Context, workerIDs []string, jobIDs []int64, message string) (int, error)
	AddJob(ctx context.Context, identifier string, payload any, spec domain.TaskSpec) (*domain.Job, error)
	WithConn(ctx context.Context, fn func(*pgxpool.Conn) error) error
}

// AddJobFunc enqueues a job.
type AddJobFunc func(ctx context.Context, identifier string, payload any, spec domain.TaskSpec) (*domain.Job, error)

// Helpers is handed to every task invocation.
type Helpers struct {
	// Job is the leased job being executed.
	Job *domain.Job
	// Logger is scoped to the task identifier and job id.
	Logger *zap.Logger
	// WithConn gives the task a pooled database connection for its own
	// queries.
	WithConn func(ctx context.Context, fn func(*pgxpool.Conn) error) error
	AddJob   AddJobFunc
}

// Task executes one job. Returning an error (or panicking) fails the job,
// which is then retried with backoff.
type Task interface {
	Run(ctx context.Context, payload json.RawMessage, helpers *Helpers) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, payload json.RawMessage, helpers *Helpers) error

func (f TaskFunc) Run(ctx context.Context, payload json.RawMessage, helpers *Helpers) error {
	return f(ctx, payload, helpers)
}

// TaskList maps task identifiers to their implementation.
type TaskList map[string]Task

// Names returns the supported task identifiers, sorted.
func (l TaskList) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
