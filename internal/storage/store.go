package storage

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/enqworker/internal/domain"
)

// Store is the storage gateway over the enq schema. Each call checks a
// connection out of the pool and returns it when done.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Pool returns the underlying pool, for the notification listener which
// needs a dedicated long-lived connection.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

// WithConn runs fn on a pooled connection. The connection is always
// released, even when fn fails.
func (s *Store) WithConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Release()
	return fn(conn)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping database")
}

// AddJob enqueues a job and returns the stored row.
func (s *Store) AddJob(ctx context.Context, identifier string, payload any, spec domain.TaskSpec) (*domain.Job, error) {
	if identifier == "" {
		return nil, errors.New("add job: task identifier is required")
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "add job %q: encode payload", identifier)
	}
	queueName := spec.QueueName
	if queueName == "" {
		queueName = uuid.NewString()
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	var job *domain.Job
	err = s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `select * from enq.add_job(
  identifier => $1::text,
  payload => $2::json,
  queue_name => $3::text,
  run_at => coalesce($4::timestamptz, now()),
  max_attempts => $5::int,
  priority => $6::int
)`, identifier, string(body), queueName, spec.RunAt, maxAttempts, spec.Priority)
		if err != nil {
			return err
		}
		job, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[domain.Job])
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "add job %q", identifier)
	}
	return job, nil
}

// LeaseNextJob locks the next eligible job for workerID. It returns
// (nil, nil) when nothing is runnable.
func (s *Store) LeaseNextJob(ctx context.Context, workerID string, taskIdentifiers []string) (*domain.Job, error) {
	var job *domain.Job
	err := s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`select * from enq.get_job($1, $2::text[]) where id is not null`,
			workerID, taskIdentifiers)
		if err != nil {
			return err
		}
		job, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[domain.Job])
		if errors.Is(err, pgx.ErrNoRows) {
			job, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "lease job")
	}
	return job, nil
}

// CompleteJob deletes a successfully executed job and unlocks its queue.
func (s *Store) CompleteJob(ctx context.Context, workerID string, jobID int64) error {
	err := s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `select enq.complete_job($1, $2)`, workerID, jobID)
		return err
	})
	return errors.Wrapf(err, "complete job %d", jobID)
}

// FailJob records a failed attempt, pushes run_at out with exponential
// backoff and unlocks the queue.
func (s *Store) FailJob(ctx context.Context, workerID string, jobID int64, message string) error {
	err := s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `select enq.fail_job($1, $2, $3)`, workerID, jobID, message)
		return err
	})
	return errors.Wrapf(err, "fail job %d", jobID)
}

// FailJobs fails, in a single statement, every listed job that is still
// locked by one of workerIDs. It returns how many jobs were failed.
func (s *Store) FailJobs(ctx context.Context, workerIDs []string, jobIDs []int64, message string) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	var n int
	err := s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
select enq.fail_job(job_queues.locked_by, jobs.id, $2)
from enq.jobs
inner join enq.job_queues on (job_queues.queue_name = jobs.queue_name)
where job_queues.locked_by = any($1::text[]) and jobs.id = any($3::bigint[])`,
			workerIDs, message, jobIDs)
		n = int(tag.RowsAffected())
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "fail in-flight jobs")
	}
	return n, nil
}

// GetJob loads a job by id. It returns (nil, nil) when the job no longer
// exists, which is the normal state of a completed job.
func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	var job *domain.Job
	err := s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `select * from enq.jobs where id = $1`, id)
		if err != nil {
			return err
		}
		job, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[domain.Job])
		if errors.Is(err, pgx.ErrNoRows) {
			job, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get job %d", id)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero fields don't filter.
type JobFilter struct {
	TaskIdentifier string
	QueueName      string
	// PermanentlyFailed, when set, keeps only jobs that have (true) or
	// have not (false) used all of their attempts.
	PermanentlyFailed *bool
	// AfterID pages through results in id order.
	AfterID int64
	Limit   int
}

// ListJobs returns jobs still in storage, oldest id first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select("*").
		From("enq.jobs").
		Where(sq.Gt{"id": f.AfterID}).
		OrderBy("id asc")
	if f.Limit > 0 {
		sb = sb.Limit(uint64(f.Limit))
	}
	if f.TaskIdentifier != "" {
		sb = sb.Where(sq.Eq{"task_identifier": f.TaskIdentifier})
	}
	if f.QueueName != "" {
		sb = sb.Where(sq.Eq{"queue_name": f.QueueName})
	}
	if f.PermanentlyFailed != nil {
		if *f.PermanentlyFailed {
			sb = sb.Where("attempts >= max_attempts")
		} else {
			sb = sb.Where("attempts < max_attempts")
		}
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "list jobs: build query")
	}
	var jobs []domain.Job
	err = s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		jobs, err = pgx.CollectRows(rows, pgx.RowToStructByName[domain.Job])
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return jobs, nil
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	}
	return json.Marshal(payload)
}
