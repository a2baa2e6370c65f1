package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

// appendScript stores one event atomically. The list index of an event is
// its sequence number minus one, so the sequence itself is not stored.
var appendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
	return -1
end
local seq = redis.call("INCR", KEYS[2])
redis.call("RPUSH", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[3])
if ARGV[2] == "1" then
	redis.call("SET", KEYS[3], "1", "EX", ttl)
end
redis.call("EXPIRE", KEYS[1], ttl)
redis.call("EXPIRE", KEYS[2], ttl)
return seq
`)

type RedisLogConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

// RedisLog keeps each job stream as a Redis list next to a sequence counter
// and a closed marker. Keys expire after the TTL, so Sweep has nothing to do.
type RedisLog struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type storedEvent struct {
	Type      domain.EventType `json:"t"`
	Payload   json.RawMessage  `json:"p"`
	Timestamp time.Time        `json:"ts"`
}

func NewRedisLog(client redis.UniversalClient, cfg RedisLogConfig) *RedisLog {
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "research"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &RedisLog{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

func (l *RedisLog) listKey(jobID string) string   { return fmt.Sprintf("%s:events:%s", l.prefix, jobID) }
func (l *RedisLog) seqKey(jobID string) string    { return l.listKey(jobID) + ":seq" }
func (l *RedisLog) closedKey(jobID string) string { return l.listKey(jobID) + ":closed" }

func (l *RedisLog) Append(ctx context.Context, event domain.JobEvent) (domain.JobEvent, error) {
	encoded, err := json.Marshal(storedEvent{Type: event.Type, Payload: event.Payload, Timestamp: event.Timestamp})
	if err != nil {
		return domain.JobEvent{}, errors.Wrap(err, "encode event")
	}

	terminal := "0"
	if event.Type.Terminal() {
		terminal = "1"
	}
	keys := []string{l.listKey(event.JobID), l.seqKey(event.JobID), l.closedKey(event.JobID)}
	seq, err := appendScript.Run(ctx, l.client, keys, string(encoded), terminal, int64(l.ttl/time.Second)).Int64()
	if err != nil {
		return domain.JobEvent{}, errors.Wrap(err, "append event")
	}
	if seq < 0 {
		return domain.JobEvent{}, ErrStreamClosed
	}
	event.Sequence = seq
	return event, nil
}

func (l *RedisLog) Range(ctx context.Context, jobID string, after int64) ([]domain.JobEvent, bool, error) {
	if after < 0 {
		after = 0
	}

	pipe := l.client.Pipeline()
	items := pipe.LRange(ctx, l.listKey(jobID), after, -1)
	closed := pipe.Exists(ctx, l.closedKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, errors.Wrap(err, "read events")
	}

	values := items.Val()
	out := make([]domain.JobEvent, 0, len(values))
	for i, value := range values {
		var stored storedEvent
		if err := json.Unmarshal([]byte(value), &stored); err != nil {
			return nil, false, errors.Wrapf(err, "decode event %d", after+int64(i)+1)
		}
		out = append(out, domain.JobEvent{
			JobID:     jobID,
			Sequence:  after + int64(i) + 1,
			Type:      stored.Type,
			Payload:   stored.Payload,
			Timestamp: stored.Timestamp,
		})
	}
	return out, closed.Val() == 1, nil
}

func (l *RedisLog) Sweep(context.Context) (int, error) {
	return 0, nil
}
