// Package queue implements the durable dispatch queue on Redis. Jobs wait in
// a sorted set scored by due time; a dequeued job moves to an in-flight set
// scored by its visibility deadline until it is acked or requeued.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no job is due.
var ErrEmpty = errors.New("queue: no job due")

const requeueBatch = 100

var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
  redis.call('HDEL', KEYS[4], id)
  return {id, '', 0}
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
return {id, payload, attempts}
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// RedisQueue is a delayed work queue with a visibility timeout.
type RedisQueue struct {
	client     *redis.Client
	name       string
	visibility time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewRedisQueue(log *slog.Logger, client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if log == nil {
		log = slog.Default()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "imhub:messages"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:     client,
		name:       name,
		visibility: visibility,
		now:        time.Now,
		logger:     log.With(slog.String("service", "queue"), slog.String("queue", name)),
	}
}

func (q *RedisQueue) readyKey() string    { return q.name + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) jobsKey() string     { return q.name + ":jobs" }
func (q *RedisQueue) attemptsKey() string { return q.name + ":attempts" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores job and makes it due after delay.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("queue: job id is required")
	}
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	if delay < 0 {
		delay = 0
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey(), job.ID, payload)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(now.Add(delay)), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}
	q.logger.Debug("job enqueued", slog.String("job_id", job.ID), slog.Duration("delay", delay))
	return nil
}

// Dequeue claims the next due job for the visibility timeout. It returns
// ErrEmpty when nothing is due.
func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.jobsKey(), q.attemptsKey()},
		score(now), score(now.Add(q.visibility)),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrEmpty
		}
		return Delivery{}, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) != 3 {
		return Delivery{}, fmt.Errorf("queue: dequeue: unexpected reply %v", res)
	}
	id := fmt.Sprint(res[0])
	payload := fmt.Sprint(res[1])
	if payload == "" {
		q.logger.Warn("dropping job without payload", slog.String("job_id", id))
		return Delivery{}, ErrEmpty
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		q.logger.Error("dropping undecodable job", slog.String("job_id", id), slog.Any("error", err))
		_ = q.Ack(ctx, id)
		return Delivery{}, ErrEmpty
	}
	attempts, _ := strconv.Atoi(fmt.Sprint(res[2]))
	return Delivery{Job: job, Attempts: attempts}, nil
}

// Ack removes a job for good.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.ZRem(ctx, q.readyKey(), id)
		pipe.HDel(ctx, q.jobsKey(), id)
		pipe.HDel(ctx, q.attemptsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return nil
}

// RequeueExpired returns in-flight jobs whose visibility deadline passed to
// the ready set, making them due immediately.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.readyKey()},
		score(q.now()), requeueBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: requeue expired: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued expired jobs", slog.Int("count", n))
	}
	return n, nil
}

// Stats reports the number of waiting and in-flight jobs.
func (q *RedisQueue) Stats(ctx context.Context) (ready, inflight int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.ZCard(ctx, q.readyKey())
	inflightCmd := pipe.ZCard(ctx, q.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue: stats: %w", err)
	}
	return readyCmd.Val(), inflightCmd.Val(), nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
