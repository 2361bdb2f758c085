package worker

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/enqworker/internal/domain"
)

// memGateway is an in-memory Gateway with the same locking rules as the
// enq schema: one leased job per queue, backoff on failure, and no lease
// once attempts reach max_attempts.
type memGateway struct {
	mu           sync.Mutex
	nextID       int64
	jobs         map[int64]*memJob
	lockedQueues map[string]string

	// backoff defaults to exp(min(attempts, 10)) seconds.
	backoff func(attempts int) time.Duration
	// leaseErr, when set, is consulted on every lease by call number.
	leaseErr func(n int) error
	// afterScan runs once a lease has chosen its job, before it returns.
	afterScan   func(n int)
	completeErr error
	// failJobsErr makes FailJobs fail without touching any job.
	failJobsErr error
	anyTask     bool
	onAdd       func()

	leaseCalls    int
	leasesBy      map[string]int
	failJobCalls  int
	failJobsCalls int
	maxLocked     int
}

type memJob struct {
	domain.Job
	lockedBy string
}

func newMemGateway() *memGateway {
	return &memGateway{
		jobs:         map[int64]*memJob{},
		lockedQueues: map[string]string{},
		leasesBy:     map[string]int{},
	}
}

func (g *memGateway) LeaseNextJob(_ context.Context, workerID string, taskIdentifiers []string) (*domain.Job, error) {
	g.mu.Lock()
	g.leaseCalls++
	n := g.leaseCalls
	g.leasesBy[workerID]++
	leaseErr, afterScan := g.leaseErr, g.afterScan
	g.mu.Unlock()

	if leaseErr != nil {
		if err := leaseErr(n); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	job := g.scan(workerID, taskIdentifiers)
	g.mu.Unlock()

	if afterScan != nil {
		afterScan(n)
	}
	return job, nil
}

// scan must be called with mu held.
func (g *memGateway) scan(workerID string, taskIdentifiers []string) *domain.Job {
	supported := map[string]bool{}
	for _, t := range taskIdentifiers {
		supported[t] = true
	}
	var candidates []*memJob
	now := time.Now()
	for _, j := range g.jobs {
		if j.lockedBy != "" || j.RunAt.After(now) || j.Attempts >= j.MaxAttempts {
			continue
		}
		if !g.anyTask && !supported[j.TaskIdentifier] {
			continue
		}
		if _, locked := g.lockedQueues[j.QueueName]; locked {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		x, y := candidates[a], candidates[b]
		if x.Priority != y.Priority {
			return x.Priority < y.Priority
		}
		if !x.RunAt.Equal(y.RunAt) {
			return x.RunAt.Before(y.RunAt)
		}
		return x.ID < y.ID
	})
	j := candidates[0]
	j.lockedBy = workerID
	g.lockedQueues[j.QueueName] = workerID
	if len(g.lockedQueues) > g.maxLocked {
		g.maxLocked = len(g.lockedQueues)
	}
	out := j.Job
	return &out
}

func (g *memGateway) CompleteJob(_ context.Context, workerID string, jobID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.completeErr != nil {
		return g.completeErr
	}
	j, ok := g.jobs[jobID]
	if !ok {
		return errors.Errorf("job %d not found", jobID)
	}
	delete(g.jobs, jobID)
	g.unlockQueue(j.QueueName, workerID)
	return nil
}

func (g *memGateway) FailJob(_ context.Context, workerID string, jobID int64, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failJobCalls++
	j, ok := g.jobs[jobID]
	if !ok {
		return errors.Errorf("job %d not found", jobID)
	}
	g.fail(j, message)
	g.unlockQueue(j.QueueName, workerID)
	return nil
}

func (g *memGateway) FailJobs(_ context.Context, workerIDs []string, jobIDs []int64, message string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failJobsCalls++
	if g.failJobsErr != nil {
		return 0, g.failJobsErr
	}
	owners := map[string]bool{}
	for _, id := range workerIDs {
		owners[id] = true
	}
	n := 0
	for _, id := range jobIDs {
		j, ok := g.jobs[id]
		if !ok || !owners[j.lockedBy] {
			continue
		}
		owner := j.lockedBy
		g.fail(j, message)
		g.unlockQueue(j.QueueName, owner)
		n++
	}
	return n, nil
}

// fail must be called with mu held.
func (g *memGateway) fail(j *memJob, message string) {
	j.Attempts++
	j.LastError = &message
	j.lockedBy = ""
	backoff := g.backoff
	if backoff == nil {
		backoff = func(attempts int) time.Duration {
			return time.Duration(math.Exp(float64(min(attempts, 10))) * float64(time.Second))
		}
	}
	start := time.Now()
	if j.RunAt.After(start) {
		start = j.RunAt
	}
	j.RunAt = start.Add(backoff(j.Attempts))
}

// unlockQueue must be called with mu held.
func (g *memGateway) unlockQueue(queue, workerID string) {
	if g.lockedQueues[queue] == workerID {
		delete(g.lockedQueues, queue)
	}
}

func (g *memGateway) AddJob(_ context.Context, identifier string, payload any, spec domain.TaskSpec) (*domain.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		raw = json.RawMessage("{}")
	}
	if spec.QueueName == "" {
		spec.QueueName = uuid.NewString()
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = domain.DefaultMaxAttempts
	}
	runAt := time.Now()
	if spec.RunAt != nil {
		runAt = *spec.RunAt
	}

	g.mu.Lock()
	g.nextID++
	j := &memJob{Job: domain.Job{
		ID:             g.nextID,
		QueueName:      spec.QueueName,
		TaskIdentifier: identifier,
		Payload:        raw,
		Priority:       spec.Priority,
		RunAt:          runAt,
		MaxAttempts:    spec.MaxAttempts,
		CreatedAt:      runAt,
		UpdatedAt:      runAt,
	}}
	g.jobs[j.ID] = j
	onAdd := g.onAdd
	out := j.Job
	g.mu.Unlock()

	if onAdd != nil {
		onAdd()
	}
	return &out, nil
}

func (g *memGateway) WithConn(context.Context, func(*pgxpool.Conn) error) error {
	return errors.New("no database in memGateway")
}

func (g *memGateway) add(identifier string, spec domain.TaskSpec) int64 {
	job, err := g.AddJob(context.Background(), identifier, map[string]int{"x": 1}, spec)
	if err != nil {
		panic(err)
	}
	return job.ID
}

func (g *memGateway) job(id int64) (domain.Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return j.Job, true
}

func (g *memGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}

func (g *memGateway) locked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, j := range g.jobs {
		if j.lockedBy != "" {
			n++
		}
	}
	return n
}

func (g *memGateway) stats() (leases, failJob, failJobs int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaseCalls, g.failJobCalls, g.failJobsCalls
}

// memListener hands the pool's callback to memGateway.onAdd.
type memListener struct {
	gw *memGateway
}

func (l memListener) Listen(ctx context.Context, onNotify func()) error {
	l.gw.mu.Lock()
	l.gw.onAdd = onNotify
	l.gw.mu.Unlock()
	<-ctx.Done()
	l.gw.mu.Lock()
	l.gw.onAdd = nil
	l.gw.mu.Unlock()
	return nil
}
