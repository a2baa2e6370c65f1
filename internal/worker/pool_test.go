package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu      sync.Mutex
	jobs    []string
	release chan struct{}
	started chan string
}

func (f *fakeRunner) Run(ctx context.Context, jobID string) error {
	if f.started != nil {
		f.started <- jobID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	return nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeSweeper struct {
	calls atomic.Int32
}

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func researchTask(id string) domain.Task {
	return domain.Task{ID: id, Kind: domain.TaskResearchRun, JobID: id, Lane: domain.LaneHigh}
}

func runPool(t *testing.T, pool *Pool) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return cancel, stopped
}

func TestDispatchByKind(t *testing.T) {
	runner := &fakeRunner{}
	sweeper := &fakeSweeper{}
	pool := NewPool(nil, nil, runner, sweeper, Config{})
	ctx := context.Background()

	require.NoError(t, pool.Dispatch(ctx, researchTask("job-1")))
	require.NoError(t, pool.Dispatch(ctx, domain.Task{ID: "s", Kind: domain.TaskEventsSweep}))
	require.NoError(t, pool.Dispatch(ctx, domain.Task{ID: "x", Kind: "unknown"}))

	assert.Equal(t, []string{"job-1"}, runner.jobs)
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestPoolRunsQueuedTasks(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{})
	runner := &fakeRunner{}
	pool := NewPool(q, q, runner, nil, Config{Concurrency: 2})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), researchTask(id)))
	}
	runPool(t, pool)

	require.Eventually(t, func() bool { return runner.count() == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestPoolSchedulesSweeps(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{})
	sweeper := &fakeSweeper{}
	pool := NewPool(q, q, &fakeRunner{}, sweeper, Config{Concurrency: 1, SweepInterval: 20 * time.Millisecond})

	runPool(t, pool)

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

type failingSweeper struct{}

func (failingSweeper) Sweep(context.Context) (int, error) {
	return 1, errors.New("redis unavailable")
}

func TestSweepersRunAllAndSum(t *testing.T) {
	first := &fakeSweeper{}
	last := &fakeSweeper{}
	removed, err := Sweepers{first, failingSweeper{}, last}.Sweep(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), last.calls.Load(), "a failing sweeper must not stop the rest")
}

type flakyConsumer struct {
	calls atomic.Int32
}

func (f *flakyConsumer) Consume(ctx context.Context, _ queue.Handler) error {
	if f.calls.Add(1) == 1 {
		return errors.New("connection reset")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestPoolRestartsAfterConsumeError(t *testing.T) {
	consumer := &flakyConsumer{}
	pool := NewPool(consumer, nil, &fakeRunner{}, nil, Config{Concurrency: 1, RestartDelay: 10 * time.Millisecond})

	runPool(t, pool)

	require.Eventually(t, func() bool { return consumer.calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestPoolDrainsInFlightTasks(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{})
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan string, 1)}
	pool := NewPool(q, q, runner, nil, Config{Concurrency: 1, DrainTimeout: 5 * time.Second})

	require.NoError(t, q.Enqueue(context.Background(), researchTask("slow")))
	cancel, stopped := runPool(t, pool)
	<-runner.started

	cancel()
	select {
	case <-stopped:
		t.Fatal("pool stopped before the in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop after draining")
	}
	assert.Equal(t, 1, runner.count(), "the in-flight task completed instead of being cancelled")
}

func TestPoolCancelsTasksAfterDrainTimeout(t *testing.T) {
	q := queue.NewLocalQueue(queue.LocalConfig{})
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan string, 1)}
	pool := NewPool(q, q, runner, nil, Config{Concurrency: 1, DrainTimeout: 20 * time.Millisecond})

	require.NoError(t, q.Enqueue(context.Background(), researchTask("stuck")))
	cancel, stopped := runPool(t, pool)
	<-runner.started

	cancel()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not cancel the stuck task")
	}
	assert.Equal(t, 0, runner.count())
}
