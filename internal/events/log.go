// Package events is the per-job, append-only event log behind the SSE
// streams. Sequence numbers are assigned by the log, start at 1 and never
// skip.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

// ErrStreamClosed is returned when appending after a terminal event.
var ErrStreamClosed = errors.New("event stream closed")

const DefaultTTL = time.Hour

// Log stores the ordered events of each job.
type Log interface {
	// Append assigns the next sequence number to event and stores it. Once a
	// terminal event is stored every later Append fails with ErrStreamClosed.
	Append(ctx context.Context, event domain.JobEvent) (domain.JobEvent, error)
	// Range returns the events after sequence number after, and whether the
	// stream has been closed by a terminal event.
	Range(ctx context.Context, jobID string, after int64) ([]domain.JobEvent, bool, error)
	// Sweep drops expired streams and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
}

type memoryStream struct {
	events  []domain.JobEvent
	closed  bool
	touched time.Time
}

// MemoryLog keeps streams in process. Streams idle for longer than the TTL
// are removed by Sweep.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryLog(ttl time.Duration) *MemoryLog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLog{
		streams: make(map[string]*memoryStream),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *MemoryLog) Append(_ context.Context, event domain.JobEvent) (domain.JobEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stream, ok := l.streams[event.JobID]
	if !ok {
		stream = &memoryStream{}
		l.streams[event.JobID] = stream
	}
	if stream.closed {
		return domain.JobEvent{}, ErrStreamClosed
	}

	event.Sequence = int64(len(stream.events)) + 1
	event.Payload = append([]byte(nil), event.Payload...)
	stream.events = append(stream.events, event)
	stream.touched = l.now()
	if event.Type.Terminal() {
		stream.closed = true
	}
	return event, nil
}

func (l *MemoryLog) Range(_ context.Context, jobID string, after int64) ([]domain.JobEvent, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stream, ok := l.streams[jobID]
	if !ok {
		return nil, false, nil
	}
	if after < 0 {
		after = 0
	}
	if after >= int64(len(stream.events)) {
		return nil, stream.closed, nil
	}
	out := make([]domain.JobEvent, len(stream.events)-int(after))
	copy(out, stream.events[after:])
	return out, stream.closed, nil
}

func (l *MemoryLog) Sweep(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.ttl)
	removed := 0
	for jobID, stream := range l.streams {
		if stream.touched.Before(cutoff) {
			delete(l.streams, jobID)
			removed++
		}
	}
	return removed, nil
}
