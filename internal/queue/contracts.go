// Package queue carries research tasks to workers over three priority
// lanes. Consumers always drain a higher lane before looking at a lower one.
package queue

import (
	"context"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

// ErrBackpressure is returned when a lane buffer is full.
var ErrBackpressure = errors.New("queue backpressure: lane buffer is full")

// Handler executes one task. A returned error schedules a retry until the
// attempts are exhausted, then the task moves to the dead letter queue.
type Handler func(ctx context.Context, task domain.Task) error

// Producer sends tasks to a queue backend, honouring Task.Lane.
type Producer interface {
	Enqueue(ctx context.Context, task domain.Task) error
}

// Consumer receives tasks and executes handlers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Depth map[domain.Lane]int64 `json:"depth"`
	DLQ   int64                 `json:"dlq"`
}

// Inspector reports queue depth for stats and metrics.
type Inspector interface {
	Stats(ctx context.Context) (Stats, error)
}

func laneOf(task domain.Task) domain.Lane {
	if task.Lane.Valid() {
		return task.Lane
	}
	return domain.LaneDefault
}
