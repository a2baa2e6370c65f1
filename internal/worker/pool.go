// Package worker runs queued tasks on a fixed pool of goroutines.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/logger"
	"github.com/iago/research-agent/internal/queue"
)

// Runner executes one research job.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Sweeper removes expired state and reports how many items it dropped.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweepers runs every sweeper in order and sums their counts. A failing
// sweeper does not stop the rest.
type Sweepers []Sweeper

func (s Sweepers) Sweep(ctx context.Context) (int, error) {
	var (
		total int
		errs  error
	)
	for _, sweeper := range s {
		removed, err := sweeper.Sweep(ctx)
		total += removed
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return total, errs
}

type Config struct {
	Concurrency int
	// SweepInterval is the mean period of the maintenance ticker. Zero
	// disables it.
	SweepInterval time.Duration
	RestartDelay  time.Duration
	// DrainTimeout bounds how long in-flight tasks may keep running after
	// shutdown starts before their context is cancelled.
	DrainTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Pool consumes tasks with Concurrency workers and dispatches them by kind.
type Pool struct {
	consumer queue.Consumer
	producer queue.Producer
	runner   Runner
	sweeper  Sweeper
	cfg      Config
	logger   *zap.SugaredLogger
}

func NewPool(consumer queue.Consumer, producer queue.Producer, runner Runner, sweeper Sweeper, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Pool{
		consumer: consumer,
		producer: producer,
		runner:   runner,
		sweeper:  sweeper,
		cfg:      cfg,
		logger:   logger.OrNop(cfg.Logger).Named("worker"),
	}
}

// Run blocks until ctx is done and every worker has drained.
func (p *Pool) Run(ctx context.Context) {
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, taskCtx, id)
		}(i)
	}
	if p.cfg.SweepInterval > 0 && p.producer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.schedule(ctx)
		}()
	}
	p.logger.Infow("worker pool started", "concurrency", p.cfg.Concurrency)

	<-ctx.Done()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warnw("drain timeout reached, cancelling in-flight tasks", "timeout", p.cfg.DrainTimeout)
		cancelTasks()
		<-drained
	}
	p.logger.Infow("worker pool stopped")
}

// work keeps one consumer loop alive, restarting it after errors until ctx
// is done. Tasks run on taskCtx so shutdown lets them finish.
func (p *Pool) work(ctx, taskCtx context.Context, id int) {
	handler := func(_ context.Context, task domain.Task) error {
		return p.Dispatch(taskCtx, task)
	}
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, handler)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Errorw("consume loop failed, restarting", "worker", id, "error", err)

		timer := time.NewTimer(p.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Dispatch routes task to its handler. Unknown kinds are dropped.
func (p *Pool) Dispatch(ctx context.Context, task domain.Task) error {
	switch task.Kind {
	case domain.TaskResearchRun:
		if p.runner == nil {
			return errors.New("no research runner configured")
		}
		return p.runner.Run(ctx, task.JobID)
	case domain.TaskEventsSweep:
		if p.sweeper == nil {
			return nil
		}
		_, err := p.sweeper.Sweep(ctx)
		return err
	default:
		p.logger.Warnw("dropping task of unknown kind", "task_id", task.ID, "kind", task.Kind)
		return nil
	}
}

// schedule enqueues a sweep task on the low lane at jittered intervals so
// replicas do not sweep in lockstep.
func (p *Pool) schedule(ctx context.Context) {
	ticker := jitterbug.New(p.cfg.SweepInterval, &jitterbug.Norm{Stdev: p.cfg.SweepInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task := domain.Task{
			ID:          uuid.NewString(),
			Kind:        domain.TaskEventsSweep,
			Lane:        domain.LaneLow,
			RequestedAt: time.Now().UTC(),
		}
		if err := p.producer.Enqueue(ctx, task); err != nil && ctx.Err() == nil {
			p.logger.Warnw("failed to schedule sweep", "error", err)
		}
	}
}
