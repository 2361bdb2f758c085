package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/enqworker/internal/domain"
)

func newTestPool(t *testing.T, tasks TaskList, gw Gateway, opts PoolOptions) *Pool {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry, _ = newTestRegistry()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	p, err := NewPool(context.Background(), tasks, gw, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Release(ctx))
	})
	return p
}

func blockingTask(block <-chan struct{}) Task {
	return TaskFunc(func(context.Context, json.RawMessage, *Helpers) error {
		<-block
		return nil
	})
}

var waitForCancel = TaskFunc(func(ctx context.Context, _ json.RawMessage, _ *Helpers) error {
	<-ctx.Done()
	return ctx.Err()
})

func TestNewPool_NoTasks(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := NewPool(context.Background(), TaskList{}, newMemGateway(), PoolOptions{Registry: r})
	require.ErrorIs(t, err, ErrNoTasks)
	assert.Zero(t, r.Len())
}

func TestNewPool_RefusedDuringShutdown(t *testing.T) {
	r, _ := newTestRegistry()
	r.shuttingDown = true
	_, err := NewPool(context.Background(), TaskList{"echo": countingTask(new(atomic.Int32), nil)}, newMemGateway(), PoolOptions{Registry: r})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestPool_SpawnsConcurrencyWorkers(t *testing.T) {
	r, _ := newTestRegistry()
	p := newTestPool(t, TaskList{"echo": countingTask(new(atomic.Int32), nil)}, newMemGateway(), PoolOptions{
		Concurrency: 3,
		Registry:    r,
	})
	ws := p.Workers()
	require.Len(t, ws, 3)
	ids := map[string]bool{}
	for _, w := range ws {
		ids[w.ID()] = true
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, 1, r.Len())
}

func TestPool_RunsEnqueuedJob(t *testing.T) {
	gw := newMemGateway()
	var got atomic.Value
	tasks := TaskList{"echo": TaskFunc(func(_ context.Context, payload json.RawMessage, _ *Helpers) error {
		got.Store(string(payload))
		return nil
	})}
	newTestPool(t, tasks, gw, PoolOptions{Concurrency: 2, Listener: memListener{gw}})

	gw.add("echo", domain.TaskSpec{})
	require.Eventually(t, func() bool { return gw.count() == 0 }, waitFor, tick)
	assert.JSONEq(t, `{"x":1}`, got.Load().(string))
}

func TestPool_FailingJobStopsAtMaxAttempts(t *testing.T) {
	gw := newMemGateway()
	gw.backoff = func(int) time.Duration { return 0 }
	var calls atomic.Int32
	newTestPool(t, TaskList{"boom": countingTask(&calls, errors.New("boom"))}, gw, PoolOptions{
		Options: Options{PollInterval: time.Millisecond},
	})

	id := gw.add("boom", domain.TaskSpec{MaxAttempts: 2})
	require.Eventually(t, func() bool {
		job, _ := gw.job(id)
		return job.Attempts == 2
	}, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPool_NudgesOneWorkerPerNotification(t *testing.T) {
	gw := newMemGateway()
	p := newTestPool(t, TaskList{"echo": countingTask(new(atomic.Int32), nil)}, gw, PoolOptions{
		Options:     Options{PollInterval: time.Hour},
		Concurrency: 3,
		Listener:    memListener{gw},
	})

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		listening := gw.onAdd != nil
		gw.mu.Unlock()
		for _, w := range p.Workers() {
			if w.State() != StateIdle {
				return false
			}
		}
		leases, _, _ := gw.stats()
		return listening && leases == 3
	}, waitFor, tick)

	gw.add("echo", domain.TaskSpec{})
	require.Eventually(t, func() bool { return gw.count() == 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	polledAgain := 0
	for _, n := range gw.leasesBy {
		if n > 1 {
			polledAgain++
		}
	}
	assert.Equal(t, 1, polledAgain)
}

func TestPool_QueueRunsOneJobAtATime(t *testing.T) {
	gw := newMemGateway()
	block := make(chan struct{})
	newTestPool(t, TaskList{"slow": blockingTask(block)}, gw, PoolOptions{Concurrency: 4})

	gw.add("slow", domain.TaskSpec{QueueName: "q1"})
	gw.add("slow", domain.TaskSpec{QueueName: "q1"})

	require.Eventually(t, func() bool { return gw.locked() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return gw.locked() > 1 }, 50*time.Millisecond, tick)
	close(block)

	require.Eventually(t, func() bool { return gw.count() == 0 }, waitFor, tick)
	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 1, gw.maxLocked)
}

func TestPool_GracefulShutdownFailsInFlightJobs(t *testing.T) {
	gw := newMemGateway()
	r, _ := newTestRegistry()
	tasks := TaskList{"slow": TaskFunc(func(ctx context.Context, _ json.RawMessage, _ *Helpers) error {
		<-ctx.Done()
		return ctx.Err()
	})}
	p := newTestPool(t, tasks, gw, PoolOptions{Concurrency: 3, Registry: r})
	ids := []int64{
		gw.add("slow", domain.TaskSpec{}),
		gw.add("slow", domain.TaskSpec{}),
		gw.add("slow", domain.TaskSpec{}),
	}
	workers := p.Workers()
	require.Eventually(t, func() bool {
		for _, w := range workers {
			if w.ActiveJob() == nil {
				return false
			}
		}
		return true
	}, waitFor, tick)

	require.NoError(t, p.GracefulShutdown(context.Background(), "bye"))

	_, failJob, failJobs := gw.stats()
	assert.Equal(t, 1, failJobs, "in-flight jobs are failed in one call")
	assert.Zero(t, failJob)
	assert.Zero(t, gw.locked())
	for _, id := range ids {
		job, ok := gw.job(id)
		require.True(t, ok)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.LastError)
		assert.Equal(t, "bye", *job.LastError)
	}

	require.NoError(t, p.Done().Wait(ctxWithTimeout(t, waitFor)))
	for _, w := range workers {
		require.NoError(t, w.Done().Wait(ctxWithTimeout(t, waitFor)))
	}
	assert.Zero(t, r.Len())
	assert.Empty(t, p.Workers())
}

func TestPool_GracefulShutdownCompletesWhenFailJobsErrors(t *testing.T) {
	gw := newMemGateway()
	gw.failJobsErr = errors.New("db gone")
	r, _ := newTestRegistry()
	p := newTestPool(t, TaskList{"slow": waitForCancel}, gw, PoolOptions{Concurrency: 2, Registry: r})
	gw.add("slow", domain.TaskSpec{})
	gw.add("slow", domain.TaskSpec{})
	workers := p.Workers()
	require.Eventually(t, func() bool {
		for _, w := range workers {
			if w.ActiveJob() == nil {
				return false
			}
		}
		return true
	}, waitFor, tick)

	require.ErrorContains(t, p.GracefulShutdown(context.Background(), "bye"), "db gone")

	require.NoError(t, p.Done().Wait(ctxWithTimeout(t, waitFor)))
	for _, w := range workers {
		require.NoError(t, w.Done().Wait(ctxWithTimeout(t, waitFor)))
	}
	assert.Zero(t, r.Len())
	_, failJob, failJobs := gw.stats()
	assert.Equal(t, 1, failJobs)
	assert.Zero(t, failJob, "abandoned jobs are never reported by their workers")
}

func TestPool_SignalResolvesWithErrSignalled(t *testing.T) {
	gw := newMemGateway()
	r, f := newTestRegistry()
	p := newTestPool(t, TaskList{"slow": waitForCancel}, gw, PoolOptions{Registry: r})
	id := gw.add("slow", domain.TaskSpec{})
	require.Eventually(t, func() bool { return p.Workers()[0].ActiveJob() != nil }, waitFor, tick)

	f.send(syscall.SIGTERM)

	err := p.Done().Wait(ctxWithTimeout(t, waitFor))
	require.ErrorIs(t, err, ErrSignalled)
	assert.Contains(t, err.Error(), syscall.SIGTERM.String())
	select {
	case sig := <-f.raised:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(waitFor):
		t.Fatal("signal was not re-raised")
	}
	job, ok := gw.job(id)
	require.True(t, ok)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "Forced worker shutdown due to "+syscall.SIGTERM.String(), *job.LastError)
}

func TestPool_GracefulShutdownWithNothingInFlight(t *testing.T) {
	gw := newMemGateway()
	p := newTestPool(t, TaskList{"echo": countingTask(new(atomic.Int32), nil)}, gw, PoolOptions{Concurrency: 2})

	require.NoError(t, p.GracefulShutdown(context.Background(), "bye"))
	_, _, failJobs := gw.stats()
	assert.Zero(t, failJobs)
	assert.True(t, p.Done().Resolved())
}

func TestPool_ReleaseWaitsForJobs(t *testing.T) {
	gw := newMemGateway()
	block := make(chan struct{})
	p := newTestPool(t, TaskList{"slow": blockingTask(block)}, gw, PoolOptions{Concurrency: 2})
	gw.add("slow", domain.TaskSpec{})
	require.Eventually(t, func() bool { return gw.locked() == 1 }, waitFor, tick)

	released := make(chan error, 1)
	go func() { released <- p.Release(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Release returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Release never returned")
	}
	assert.Equal(t, 0, gw.count())
	assert.True(t, p.Done().Resolved())
}

func TestPool_ReleaseHonoursContext(t *testing.T) {
	gw := newMemGateway()
	block := make(chan struct{})
	p := newTestPool(t, TaskList{"slow": blockingTask(block)}, gw, PoolOptions{})
	t.Cleanup(func() { close(block) })
	gw.add("slow", domain.TaskSpec{})
	require.Eventually(t, func() bool { return gw.locked() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Release(ctx), context.DeadlineExceeded)
}

func TestPool_ResolvesWithErrorWhenAllWorkersDie(t *testing.T) {
	gw := newMemGateway()
	gw.leaseErr = func(int) error { return errors.New("connection refused") }
	r, _ := newTestRegistry()
	p := newTestPool(t, TaskList{"echo": countingTask(new(atomic.Int32), nil)}, gw, PoolOptions{
		Options:     Options{PollInterval: time.Millisecond},
		Concurrency: 2,
		Registry:    r,
	})

	err := p.Done().Wait(ctxWithTimeout(t, waitFor))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all workers stopped")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, p.Workers())
	require.Eventually(t, func() bool { return r.Len() == 0 }, waitFor, tick)
}
