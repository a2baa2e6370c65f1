package events

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(t *testing.T, ch <-chan domain.JobEvent) []domain.JobEvent {
	t.Helper()
	var out []domain.JobEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d events", len(out))
		}
	}
}

func TestPublishAssignsGaplessSequence(t *testing.T) {
	bus := NewBus(NewMemoryLog(0), BusConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event, err := bus.Publish(ctx, "job-1", domain.EventUpdate, domain.UpdatePayload{Stage: "fetch"})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), event.Sequence)
	}
	other, err := bus.Publish(ctx, "job-2", domain.EventPlanning, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Sequence, "sequences are per job")
}

func TestPublishAfterTerminalIsRejected(t *testing.T) {
	bus := NewBus(NewMemoryLog(0), BusConfig{})
	ctx := context.Background()

	_, err := bus.Publish(ctx, "job-1", domain.EventEnd, domain.EndPayload{})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "job-1", domain.EventError, domain.ErrorPayload{Error: "late"})
	assert.True(t, errors.Is(err, ErrStreamClosed))
}

func TestSubscribeDeliversLiveEventsAndCloses(t *testing.T) {
	bus := NewBus(NewMemoryLog(0), BusConfig{PollInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := bus.Subscribe(ctx, "job-1", 0, ViewLifecycle)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, eventType := range []domain.EventType{domain.EventPlanning, domain.EventSearching, domain.EventCard, domain.EventEnd} {
			_, err := bus.Publish(ctx, "job-1", eventType, nil)
			assert.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	events := collect(t, stream)
	wg.Wait()

	require.Len(t, events, 4)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Sequence)
	}
	assert.Equal(t, domain.EventEnd, events[3].Type)
}

func TestSubscribeResumesAfterCursorWithCardsView(t *testing.T) {
	bus := NewBus(NewMemoryLog(0), BusConfig{})
	ctx := context.Background()

	for _, eventType := range []domain.EventType{
		domain.EventPlanning, domain.EventCard, domain.EventUpdate, domain.EventCard, domain.EventEnd,
	} {
		_, err := bus.Publish(ctx, "job-1", eventType, nil)
		require.NoError(t, err)
	}

	events := collect(t, bus.Subscribe(ctx, "job-1", 2, ViewCards))
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, domain.EventCard, events[0].Type)
	assert.Equal(t, domain.EventEnd, events[1].Type)

	assert.Empty(t, collect(t, bus.Subscribe(ctx, "job-1", 5, ViewLifecycle)), "cursor past the terminal event closes at once")
}

func TestSubscribeStopsOnContextCancel(t *testing.T) {
	bus := NewBus(NewMemoryLog(0), BusConfig{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	stream := bus.Subscribe(ctx, "job-quiet", 0, ViewLifecycle)
	cancel()
	assert.Empty(t, collect(t, stream))
}

func TestMemoryLogSweepRemovesIdleStreams(t *testing.T) {
	log := NewMemoryLog(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := log.Append(ctx, domain.JobEvent{JobID: "old", Type: domain.EventEnd})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = log.Append(ctx, domain.JobEvent{JobID: "fresh", Type: domain.EventPlanning})
	require.NoError(t, err)

	removed, err := log.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	events, _, err := log.Range(ctx, "old", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, 7, "card", []byte(`{"title":"x"}`)))
	assert.Equal(t, "id: 7\nevent: card\ndata: {\"title\":\"x\"}\n\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteKeepAlive(&buf))
	assert.Equal(t, ": keep-alive\n\n", buf.String())
}

func TestRedisLog(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	log := NewRedisLog(client, RedisLogConfig{KeyPrefix: "research-test", TTL: time.Minute})
	jobID := uuid.NewString()

	for i, eventType := range []domain.EventType{domain.EventPlanning, domain.EventCard, domain.EventEnd} {
		event, err := log.Append(ctx, domain.JobEvent{
			JobID:     jobID,
			Type:      eventType,
			Payload:   json.RawMessage(`{"n":1}`),
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), event.Sequence)
	}
	_, err := log.Append(ctx, domain.JobEvent{JobID: jobID, Type: domain.EventUpdate})
	assert.True(t, errors.Is(err, ErrStreamClosed))

	events, closed, err := log.Range(ctx, jobID, 1)
	require.NoError(t, err)
	assert.True(t, closed)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Payload))
}
