package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/logger"
)

type LocalConfig struct {
	BufferSize  int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *zap.SugaredLogger
}

// LocalQueue is the in-process queue used when Redis is not configured.
type LocalQueue struct {
	high        chan domain.Task
	normal      chan domain.Task
	low         chan domain.Task
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.SugaredLogger

	dlqMu sync.Mutex
	dlq   []domain.Task
}

func NewLocalQueue(cfg LocalConfig) *LocalQueue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &LocalQueue{
		high:        make(chan domain.Task, cfg.BufferSize),
		normal:      make(chan domain.Task, cfg.BufferSize),
		low:         make(chan domain.Task, cfg.BufferSize),
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger.OrNop(cfg.Logger).Named("queue"),
		dlq:         make([]domain.Task, 0),
	}
}

func (q *LocalQueue) lane(lane domain.Lane) chan domain.Task {
	switch lane {
	case domain.LaneHigh:
		return q.high
	case domain.LaneLow:
		return q.low
	default:
		return q.normal
	}
}

// Enqueue never blocks: a full lane returns ErrBackpressure.
func (q *LocalQueue) Enqueue(ctx context.Context, task domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task.Lane = laneOf(task)
	select {
	case q.lane(task.Lane) <- task:
		return nil
	default:
		return ErrBackpressure
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		task, ok := q.next(ctx)
		if !ok {
			return ctx.Err()
		}

		err := handler(ctx, task)
		if err == nil {
			continue
		}

		task.Attempt++
		if task.Attempt >= q.maxAttempts {
			q.deadLetter(task, err.Error())
			continue
		}
		q.scheduleRetry(ctx, task)
	}
}

// next takes the highest-priority task available, blocking only when every
// lane is empty. Once ctx is done the backlog is left in place.
func (q *LocalQueue) next(ctx context.Context) (domain.Task, bool) {
	if ctx.Err() != nil {
		return domain.Task{}, false
	}

	select {
	case task := <-q.high:
		return task, true
	default:
	}

	select {
	case task := <-q.high:
		return task, true
	case task := <-q.normal:
		return task, true
	default:
	}

	select {
	case task := <-q.high:
		return task, true
	case task := <-q.normal:
		return task, true
	case task := <-q.low:
		return task, true
	default:
	}

	select {
	case <-ctx.Done():
		return domain.Task{}, false
	case task := <-q.high:
		return task, true
	case task := <-q.normal:
		return task, true
	case task := <-q.low:
		return task, true
	}
}

// scheduleRetry puts task back on its lane after a linear backoff. Retries
// pending at shutdown are dropped with the rest of the in-memory queue.
func (q *LocalQueue) scheduleRetry(ctx context.Context, task domain.Task) {
	delay := time.Duration(task.Attempt) * q.retryDelay
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		select {
		case q.lane(task.Lane) <- task:
		default:
			q.deadLetter(task, ErrBackpressure.Error())
		}
	})
}

func (q *LocalQueue) deadLetter(task domain.Task, reason string) {
	q.dlqMu.Lock()
	q.dlq = append(q.dlq, task)
	q.dlqMu.Unlock()
	q.logger.Warnw("task moved to dlq", "task_id", task.ID, "job_id", task.JobID, "kind", task.Kind, "reason", reason)
}

func (q *LocalQueue) Stats(context.Context) (Stats, error) {
	return Stats{
		Depth: map[domain.Lane]int64{
			domain.LaneHigh:    int64(len(q.high)),
			domain.LaneDefault: int64(len(q.normal)),
			domain.LaneLow:     int64(len(q.low)),
		},
		DLQ: int64(q.DLQSize()),
	}, nil
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

// DLQ returns a copy of the dead-lettered tasks.
func (q *LocalQueue) DLQ() []domain.Task {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]domain.Task(nil), q.dlq...)
}
