package domain

import (
	"encoding/json"
	"time"
)

const (
	// DefaultMaxAttempts is how many times a job runs before it is
	// permanently failed, unless the enqueuer asks otherwise.
	DefaultMaxAttempts = 25
)

// Job mirrors a row of enq.jobs. Workers never mutate it; every change goes
// through the storage functions.
type Job struct {
	ID             int64           `db:"id" json:"id"`
	QueueName      string          `db:"queue_name" json:"queue_name"`
	TaskIdentifier string          `db:"task_identifier" json:"task_identifier"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Priority       int             `db:"priority" json:"priority"`
	RunAt          time.Time       `db:"run_at" json:"run_at"`
	Attempts       int             `db:"attempts" json:"attempts"`
	MaxAttempts    int             `db:"max_attempts" json:"max_attempts"`
	LastError      *string         `db:"last_error" json:"last_error"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// PermanentlyFailed reports whether the job has used all of its attempts.
func (j *Job) PermanentlyFailed() bool {
	return j.Attempts >= j.MaxAttempts
}

// TaskSpec holds the optional enqueue parameters. Zero values mean "use the
// default": a fresh queue name, now, DefaultMaxAttempts and priority 0.
type TaskSpec struct {
	QueueName   string     `json:"queue_name,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	Priority    int        `json:"priority,omitempty"`
}
