package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/logger"
)

type StreamsConfig struct {
	KeyPrefix   string
	Group       string
	Consumer    string
	MaxAttempts int
	// BlockTimeout bounds the blocking read used when every lane is empty.
	BlockTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// StreamsQueue implements Producer and Consumer with one Redis stream per
// lane and a shared dead letter stream.
type StreamsQueue struct {
	client       redis.UniversalClient
	streams      map[domain.Lane]string
	dlqStream    string
	group        string
	consumer     string
	maxAttempts  int
	blockTimeout time.Duration
	logger       *zap.SugaredLogger

	reclaimMu sync.Mutex
	reclaimed bool
}

func NewStreamsQueue(ctx context.Context, client redis.UniversalClient, cfg StreamsConfig) (*StreamsQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "research"
	}
	if cfg.Group == "" {
		cfg.Group = "research_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}

	streams := make(map[domain.Lane]string, len(domain.Lanes))
	for _, lane := range domain.Lanes {
		streams[lane] = fmt.Sprintf("%s:tasks:%s", cfg.KeyPrefix, lane)
	}

	queue := &StreamsQueue{
		client:       client,
		streams:      streams,
		dlqStream:    cfg.KeyPrefix + ":tasks:dlq",
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		maxAttempts:  cfg.MaxAttempts,
		blockTimeout: cfg.BlockTimeout,
		logger:       logger.OrNop(cfg.Logger).Named("queue"),
	}
	if err := queue.ensureGroups(ctx); err != nil {
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Enqueue(ctx context.Context, task domain.Task) error {
	task.Lane = laneOf(task)
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streams[task.Lane],
		Values: taskValues(task),
	}).Result()
	if err != nil {
		return errors.Wrapf(err, "enqueue to %s lane", task.Lane)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroups(ctx); err != nil {
		return err
	}
	if err := q.reclaim(ctx, handler); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := q.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return errors.Wrap(err, "xreadgroup")
		}
		// Every delivered message sits in the pending list until acked, so
		// the whole batch is handled even when shutdown starts midway.
		for _, item := range batch {
			q.process(ctx, handler, item.lane, item.message)
		}
	}
}

// delivery is a message read from the stream of a lane.
type delivery struct {
	lane    domain.Lane
	message redis.XMessage
}

// reclaim replays messages this consumer read but never acked, e.g. after a
// crash or a shutdown that interrupted acknowledgement. It runs once per
// queue; later Consume calls share the pending list with live workers.
func (q *StreamsQueue) reclaim(ctx context.Context, handler Handler) error {
	q.reclaimMu.Lock()
	defer q.reclaimMu.Unlock()
	if q.reclaimed {
		return nil
	}

	for _, lane := range domain.Lanes {
		cursor := "0"
		for {
			streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  []string{q.streams[lane], cursor},
				Count:    reclaimBatchSize,
				Block:    -1,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return errors.Wrapf(err, "reclaim pending %s tasks", lane)
			}
			messages := collect(streams, q.streams[lane])
			if len(messages) == 0 {
				break
			}
			q.logger.Infow("reclaiming pending tasks", "lane", lane, "count", len(messages))
			for _, message := range messages {
				q.process(ctx, handler, lane, message)
				cursor = message.ID
			}
			if len(messages) < reclaimBatchSize {
				break
			}
		}
	}
	q.reclaimed = true
	return nil
}

const reclaimBatchSize = 100

// read polls the lanes in priority order without blocking, then blocks on
// all lanes at once. A blocking read may deliver one message per lane; all
// of them are returned in lane order. An empty batch means the block timed
// out.
func (q *StreamsQueue) read(ctx context.Context) ([]delivery, error) {
	for _, lane := range domain.Lanes {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.streams[lane], ">"},
			Count:    1,
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if messages := collect(streams, q.streams[lane]); len(messages) > 0 {
			return []delivery{{lane: lane, message: messages[0]}}, nil
		}
	}
	return q.block(ctx)
}

func (q *StreamsQueue) block(ctx context.Context) ([]delivery, error) {
	keys := make([]string, 0, 2*len(domain.Lanes))
	for _, lane := range domain.Lanes {
		keys = append(keys, q.streams[lane])
	}
	for range domain.Lanes {
		keys = append(keys, ">")
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  keys,
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var batch []delivery
	for _, lane := range domain.Lanes {
		for _, message := range collect(streams, q.streams[lane]) {
			batch = append(batch, delivery{lane: lane, message: message})
		}
	}
	return batch, nil
}

func (q *StreamsQueue) process(ctx context.Context, handler Handler, lane domain.Lane, item redis.XMessage) {
	task, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.settle(ctx, lane, item, func(ctx context.Context) {
			_ = q.sendToDLQ(ctx, domain.Task{Lane: lane}, item, parseErr.Error())
		})
		return
	}
	task.Lane = lane

	handleErr := handler(ctx, task)
	if handleErr == nil {
		q.settle(ctx, lane, item, nil)
		return
	}

	task.Attempt++
	if task.Attempt >= q.maxAttempts {
		q.logger.Warnw("task moved to dlq", "task_id", task.ID, "job_id", task.JobID, "error", handleErr)
		q.settle(ctx, lane, item, func(ctx context.Context) {
			_ = q.sendToDLQ(ctx, task, item, handleErr.Error())
		})
		return
	}

	q.settle(ctx, lane, item, func(ctx context.Context) {
		if requeueErr := q.Enqueue(ctx, task); requeueErr != nil {
			_ = q.sendToDLQ(ctx, task, item, fmt.Sprintf("requeue failed: %v", requeueErr))
		}
	})
}

// settle runs the follow-up writes for a handled message and acks it. It
// uses a context detached from the consumer so tasks finished during
// shutdown still leave the pending list.
func (q *StreamsQueue) settle(ctx context.Context, lane domain.Lane, item redis.XMessage, before func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if before != nil {
		before(ctx)
	}
	if err := q.ackAndDelete(ctx, lane, item.ID); err != nil {
		q.logger.Warnw("ack failed", "lane", lane, "stream_id", item.ID, "error", err)
	}
}

const settleTimeout = 5 * time.Second

func (q *StreamsQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	lengths := make(map[domain.Lane]*redis.IntCmd, len(domain.Lanes))
	for _, lane := range domain.Lanes {
		lengths[lane] = pipe.XLen(ctx, q.streams[lane])
	}
	dlq := pipe.XLen(ctx, q.dlqStream)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, errors.Wrap(err, "queue stats")
	}

	stats := Stats{Depth: make(map[domain.Lane]int64, len(domain.Lanes)), DLQ: dlq.Val()}
	for lane, cmd := range lengths {
		stats.Depth[lane] = cmd.Val()
	}
	return stats, nil
}

func (q *StreamsQueue) ensureGroups(ctx context.Context) error {
	for _, lane := range domain.Lanes {
		err := q.client.XGroupCreateMkStream(ctx, q.streams[lane], q.group, "$").Err()
		if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
			continue
		}
		return errors.Wrapf(err, "ensure stream group for %s lane", lane)
	}
	return nil
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, lane domain.Lane, streamID string) error {
	stream := q.streams[lane]
	if err := q.client.XAck(ctx, stream, q.group, streamID).Err(); err != nil {
		return errors.Wrap(err, "xack")
	}
	if err := q.client.XDel(ctx, stream, streamID).Err(); err != nil {
		return errors.Wrap(err, "xdel")
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, task domain.Task, item redis.XMessage, errorMessage string) error {
	values := taskValues(task)
	values["stream_id"] = item.ID
	values["error"] = errorMessage
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return errors.Wrap(err, "send to dlq")
	}
	return nil
}

// collect returns the messages read from the named stream.
func collect(streams []redis.XStream, name string) []redis.XMessage {
	for _, stream := range streams {
		if stream.Stream == name {
			return stream.Messages
		}
	}
	return nil
}

func taskValues(task domain.Task) map[string]any {
	return map[string]any{
		"id":           task.ID,
		"kind":         string(task.Kind),
		"job_id":       task.JobID,
		"lane":         string(task.Lane),
		"attempt":      task.Attempt,
		"requested_at": task.RequestedAt.Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.Task, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", errors.Newf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	id, err := getString("id")
	if err != nil {
		return domain.Task{}, err
	}
	kind, err := getString("kind")
	if err != nil {
		return domain.Task{}, err
	}
	jobID, err := getString("job_id")
	if err != nil {
		return domain.Task{}, err
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.Task{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.Task{}, errors.Wrap(err, "invalid attempt")
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.Task{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.Task{}, errors.Wrap(err, "invalid requested_at")
	}

	return domain.Task{
		ID:          id,
		Kind:        domain.TaskKind(kind),
		JobID:       jobID,
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
