package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/logger"
)

// View filters which event types a subscriber receives.
type View int

const (
	// ViewLifecycle delivers every event.
	ViewLifecycle View = iota
	// ViewCards delivers cards and the terminal event only.
	ViewCards
)

func (v View) Includes(eventType domain.EventType) bool {
	if v == ViewCards {
		return eventType == domain.EventCard || eventType.Terminal()
	}
	return true
}

type BusConfig struct {
	// PollInterval bounds how long a subscriber waits before re-reading the
	// log when no local publish woke it. Publishes from other processes are
	// only seen through polling.
	PollInterval time.Duration
	Logger       *zap.SugaredLogger
}

// Bus publishes job events to a Log and streams them to subscribers.
type Bus struct {
	log          Log
	pollInterval time.Duration
	logger       *zap.SugaredLogger
	now          func() time.Time

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func NewBus(log Log, cfg BusConfig) *Bus {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Bus{
		log:          log,
		pollInterval: cfg.PollInterval,
		logger:       logger.OrNop(cfg.Logger).Named("events"),
		now:          time.Now,
		waiters:      make(map[string]chan struct{}),
	}
}

// Publish encodes payload and appends it to the job stream.
func (b *Bus) Publish(ctx context.Context, jobID string, eventType domain.EventType, payload any) (domain.JobEvent, error) {
	encoded, err := encodePayload(payload)
	if err != nil {
		return domain.JobEvent{}, errors.Wrapf(err, "encode %s payload", eventType)
	}

	event, err := b.log.Append(ctx, domain.JobEvent{
		JobID:     jobID,
		Type:      eventType,
		Payload:   encoded,
		Timestamp: b.now().UTC(),
	})
	if err != nil {
		return domain.JobEvent{}, err
	}
	b.wake(jobID)
	return event, nil
}

// Events returns the stored events after cursor without waiting.
func (b *Bus) Events(ctx context.Context, jobID string, cursor int64) ([]domain.JobEvent, error) {
	events, _, err := b.log.Range(ctx, jobID, cursor)
	return events, err
}

// Subscribe streams the events after cursor that match view, in sequence
// order. The channel closes after the terminal event, when ctx is done, or
// when the log cannot be read.
func (b *Bus) Subscribe(ctx context.Context, jobID string, cursor int64, view View) <-chan domain.JobEvent {
	out := make(chan domain.JobEvent)
	go func() {
		defer close(out)

		after := cursor
		for {
			wake := b.waiter(jobID)

			events, closed, err := b.log.Range(ctx, jobID, after)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warnw("subscriber read failed", "job_id", jobID, "error", err)
				}
				return
			}
			for _, event := range events {
				after = event.Sequence
				if view.Includes(event.Type) {
					select {
					case out <- event:
					case <-ctx.Done():
						return
					}
				}
				if event.Type.Terminal() {
					return
				}
			}
			if closed && len(events) == 0 {
				return
			}

			timer := time.NewTimer(b.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-wake:
				timer.Stop()
			case <-timer.C:
			}
		}
	}()
	return out
}

// Sweep removes expired streams and releases idle subscriber wake-ups.
func (b *Bus) Sweep(ctx context.Context) (int, error) {
	removed, err := b.log.Sweep(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "sweep event log")
	}

	b.mu.Lock()
	for jobID, ch := range b.waiters {
		close(ch)
		delete(b.waiters, jobID)
	}
	b.mu.Unlock()

	if removed > 0 {
		b.logger.Infow("event streams swept", "removed", removed)
	}
	return removed, nil
}

func (b *Bus) waiter(jobID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[jobID]
	if !ok {
		ch = make(chan struct{})
		b.waiters[jobID] = ch
	}
	return ch
}

func (b *Bus) wake(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.waiters[jobID]; ok {
		close(ch)
		delete(b.waiters, jobID)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch value := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return value, nil
	case []byte:
		return json.RawMessage(value), nil
	default:
		return json.Marshal(value)
	}
}
