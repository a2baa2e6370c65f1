package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

const recentIndexSize = 500

var claimScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
	return -1
end
if status ~= "pending" then
	return 0
end
redis.call("HSET", KEYS[1], "status", "running", "started_at", ARGV[1])
return 1
`)

// finishScript applies the outcome in ARGV[1..5] when the current status is
// one of ARGV[7..]. ARGV[6] is the key TTL in seconds.
var finishScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
	return -1
end
for i = 7, #ARGV do
	if status == ARGV[i] then
		redis.call("HSET", KEYS[1], "status", ARGV[1], "total_cards", ARGV[2], "error_code", ARGV[3], "error_message", ARGV[4], "finished_at", ARGV[5])
		redis.call("EXPIRE", KEYS[1], tonumber(ARGV[6]))
		return 1
	end
end
return 0
`)

var cancelScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "cancel_requested", "1")
return 1
`)

type RedisJobsConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

// RedisJobsRepository stores each job as a hash under {prefix}:job:{id}
// with a TTL, plus a sorted index of recent job ids.
type RedisJobsRepository struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisJobsRepository(client redis.UniversalClient, cfg RedisJobsConfig) *RedisJobsRepository {
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "research"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &RedisJobsRepository{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

func (r *RedisJobsRepository) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, jobID)
}

func (r *RedisJobsRepository) recentKey() string {
	return r.prefix + ":jobs:recent"
}

func (r *RedisJobsRepository) Create(ctx context.Context, job *domain.Job) error {
	key := r.jobKey(job.ID)
	created, err := r.client.HSetNX(ctx, key, "id", job.ID).Result()
	if err != nil {
		return errors.Wrap(err, "create job")
	}
	if !created {
		return errors.Mark(errors.Newf("job %s already exists", job.ID), errors.ErrConflict)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, jobFields(job))
	pipe.Expire(ctx, key, r.ttl)
	pipe.ZAdd(ctx, r.recentKey(), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
	pipe.ZRemRangeByRank(ctx, r.recentKey(), 0, -recentIndexSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "store job")
	}
	return nil
}

func (r *RedisJobsRepository) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	values, err := r.client.HGetAll(ctx, r.jobKey(jobID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load job")
	}
	if len(values) == 0 {
		return nil, notFound(jobID)
	}
	return parseJob(values)
}

func (r *RedisJobsRepository) Claim(ctx context.Context, jobID string, startedAt time.Time) (bool, error) {
	result, err := claimScript.Run(ctx, r.client, []string{r.jobKey(jobID)}, formatDateTime(&startedAt)).Int()
	if err != nil {
		return false, errors.Wrap(err, "claim job")
	}
	switch result {
	case -1:
		return false, notFound(jobID)
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (r *RedisJobsRepository) Finish(ctx context.Context, jobID string, outcome domain.JobOutcome) error {
	args := []any{
		string(outcome.Status),
		outcome.TotalCards,
		outcome.ErrorCode,
		outcome.ErrorMessage,
		formatDateTime(&outcome.FinishedAt),
		int64(r.ttl / time.Second),
	}
	for _, status := range priorStatuses(outcome) {
		args = append(args, string(status))
	}

	result, err := finishScript.Run(ctx, r.client, []string{r.jobKey(jobID)}, args...).Int()
	if err != nil {
		return errors.Wrap(err, "finish job")
	}
	switch result {
	case -1:
		return notFound(jobID)
	case 1:
		return nil
	}

	current, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return conflict(jobID, current.Status, outcome.Status)
}

func (r *RedisJobsRepository) RequestCancel(ctx context.Context, jobID string) (*domain.Job, error) {
	updated, err := cancelScript.Run(ctx, r.client, []string{r.jobKey(jobID)}).Int()
	if err != nil {
		return nil, errors.Wrap(err, "request cancel")
	}
	if updated == 0 {
		return nil, notFound(jobID)
	}
	return r.Get(ctx, jobID)
}

func (r *RedisJobsRepository) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.client.ZRevRange(ctx, r.recentKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list recent jobs")
	}

	pipe := r.client.Pipeline()
	commands := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		commands = append(commands, pipe.HGetAll(ctx, r.jobKey(id)))
	}
	if len(commands) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "load recent jobs")
		}
	}

	items := make([]domain.Job, 0, len(commands))
	for _, command := range commands {
		values := command.Val()
		if len(values) == 0 {
			continue
		}
		job, err := parseJob(values)
		if err != nil {
			return nil, err
		}
		items = append(items, *job)
	}
	return items, nil
}

func jobFields(job *domain.Job) map[string]any {
	cancelRequested := "0"
	if job.CancelRequested {
		cancelRequested = "1"
	}
	return map[string]any{
		"id":               job.ID,
		"query":            job.Query,
		"top_k":            job.TopK,
		"status":           string(job.Status),
		"lane":             string(job.Lane),
		"created_by":       job.CreatedBy,
		"created_at":       formatDateTime(&job.CreatedAt),
		"started_at":       formatDateTime(job.StartedAt),
		"finished_at":      formatDateTime(job.FinishedAt),
		"total_cards":      job.TotalCards,
		"error_code":       job.ErrorCode,
		"error_message":    job.ErrorMessage,
		"cancel_requested": cancelRequested,
	}
}

func parseJob(values map[string]string) (*domain.Job, error) {
	job := domain.Job{
		ID:              values["id"],
		Query:           values["query"],
		Status:          domain.JobStatus(values["status"]),
		Lane:            domain.Lane(values["lane"]),
		CreatedBy:       values["created_by"],
		ErrorCode:       values["error_code"],
		ErrorMessage:    values["error_message"],
		CancelRequested: values["cancel_requested"] == "1",
	}

	var err error
	if job.TopK, err = atoiOrZero(values["top_k"]); err != nil {
		return nil, errors.Wrap(err, "invalid top_k")
	}
	if job.TotalCards, err = atoiOrZero(values["total_cards"]); err != nil {
		return nil, errors.Wrap(err, "invalid total_cards")
	}

	createdAt, err := parseDateTime(values["created_at"])
	if err != nil {
		return nil, errors.Wrap(err, "invalid created_at")
	}
	if createdAt != nil {
		job.CreatedAt = *createdAt
	}
	if job.StartedAt, err = parseDateTime(values["started_at"]); err != nil {
		return nil, errors.Wrap(err, "invalid started_at")
	}
	if job.FinishedAt, err = parseDateTime(values["finished_at"]); err != nil {
		return nil, errors.Wrap(err, "invalid finished_at")
	}
	return &job, nil
}

func atoiOrZero(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
