// Package queue implements the durable delayed-job store backing
// scheduled sends. Jobs are keyed by request id on Redis sorted sets,
// so cancel and reschedule remove entries directly instead of scanning
// pending work.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	scheduledKey = "revio:dispatch:scheduled"
	inflightKey  = "revio:dispatch:inflight"
	metaPrefix   = "revio:dispatch:meta:"
)

// Priority orders due jobs within the scheduled set. High-priority
// jobs are stored with score 0, so they sort ahead of any timed work.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Job is the queue's view of one pending or claimed dispatch.
type Job struct {
	RequestID uuid.UUID
	FireAt    time.Time
	Priority  Priority
	Attempt   int
	// Exhausted is set when the job has been claimed more times than
	// the redelivery cap allows; the consumer should terminalize the
	// request instead of processing it again.
	Exhausted bool
}

// Config holds queue tuning knobs.
type Config struct {
	// Lease is how long a claimed job stays invisible before the
	// reaper hands it back to the scheduled set.
	Lease time.Duration

	// MaxDeliveries caps redelivery of a crashing job. This is the
	// queue's own safety valve, not a send retry policy.
	MaxDeliveries int
}

// Queue is the Redis-backed dispatch queue. At most one pending job
// exists per request id: enqueueing an id that is already scheduled
// replaces its fire time rather than adding a second entry.
type Queue struct {
	rdb    *redis.Client
	config Config
	logger *zap.Logger
}

// New creates a dispatch queue on the given Redis client.
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *Queue {
	if cfg.Lease == 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 5
	}
	return &Queue{
		rdb:    rdb,
		config: cfg,
		logger: logger,
	}
}

// enqueueScript replaces any existing entry for the id in one step:
// drop a stale inflight claim, upsert into scheduled, record metadata.
var enqueueScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3] .. ARGV[1], 'priority', ARGV[3], 'fire_at', ARGV[4], 'enqueued_at', ARGV[5])
return 1
`)

// claimScript atomically moves the most-due scheduled job into the
// inflight set under a lease and bumps its attempt counter.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local id = due[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', KEYS[3] .. id, 'attempts', 1)
local priority = redis.call('HGET', KEYS[3] .. id, 'priority') or '0'
local fire_at = redis.call('HGET', KEYS[3] .. id, 'fire_at') or '0'
return {id, attempts, priority, fire_at}
`)

// reapScript returns expired leases to the scheduled set so a crashed
// consumer's jobs are redelivered (at-least-once semantics).
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #expired
`)

// Enqueue schedules a dispatch job for the request. A high-priority
// job is placed ahead of all timed work regardless of fireAt.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID, fireAt time.Time, priority Priority) error {
	score := fireAt.UnixMilli()
	if priority == PriorityHigh {
		score = 0
	}

	err := enqueueScript.Run(ctx, q.rdb,
		[]string{scheduledKey, inflightKey, metaPrefix},
		id.String(),
		score,
		int(priority),
		fireAt.UnixMilli(),
		time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("enqueue dispatch job: %w", err)
	}

	q.logger.Info("dispatch job enqueued",
		zap.String("request_id", id.String()),
		zap.Time("fire_at", fireAt),
		zap.Int("priority", int(priority)),
	)

	return nil
}

// Remove deletes any pending or inflight job for the request id.
// Removing an id with no job is not an error.
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, scheduledKey, id.String())
	pipe.ZRem(ctx, inflightKey, id.String())
	pipe.Del(ctx, metaPrefix+id.String())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove dispatch job: %w", err)
	}

	return nil
}

// Pending looks up the scheduled job for a request id directly.
// Returns nil when no job is pending.
func (q *Queue) Pending(ctx context.Context, id uuid.UUID) (*Job, error) {
	score, err := q.rdb.ZScore(ctx, scheduledKey, id.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup dispatch job: %w", err)
	}

	job := &Job{RequestID: id}
	meta, err := q.rdb.HGetAll(ctx, metaPrefix+id.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup dispatch job meta: %w", err)
	}

	if p, ok := meta["priority"]; ok {
		n, _ := strconv.Atoi(p)
		job.Priority = Priority(n)
	}
	if a, ok := meta["attempts"]; ok {
		job.Attempt, _ = strconv.Atoi(a)
	}
	if f, ok := meta["fire_at"]; ok {
		ms, _ := strconv.ParseInt(f, 10, 64)
		job.FireAt = time.UnixMilli(ms)
	} else {
		job.FireAt = time.UnixMilli(int64(score))
	}

	return job, nil
}

// Tracked reports whether the queue holds any entry for the request
// id, scheduled or inflight. The reconcile sweep checks this instead of
// Pending so a job that is being fired right now is not re-enqueued
// over its active lease.
func (q *Queue) Tracked(ctx context.Context, id uuid.UUID) (bool, error) {
	pipe := q.rdb.Pipeline()
	scheduled := pipe.ZScore(ctx, scheduledKey, id.String())
	inflight := pipe.ZScore(ctx, inflightKey, id.String())

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("lookup dispatch job: %w", err)
	}

	return scheduled.Err() == nil || inflight.Err() == nil, nil
}

// Claim atomically takes the most-due job whose fire time has passed,
// leasing it until the consumer acks or the lease expires. Returns nil
// when nothing is due.
func (q *Queue) Claim(ctx context.Context, now time.Time) (*Job, error) {
	leaseDeadline := now.Add(q.config.Lease).UnixMilli()

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{scheduledKey, inflightKey, metaPrefix},
		now.UnixMilli(),
		leaseDeadline,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim dispatch job: %w", err)
	}

	job, err := jobFromClaimReply(res)
	if err != nil {
		return nil, fmt.Errorf("claim dispatch job: %w", err)
	}
	job.Exhausted = job.Attempt > q.config.MaxDeliveries

	q.logger.Debug("dispatch job claimed",
		zap.String("request_id", job.RequestID.String()),
		zap.Int("attempt", job.Attempt),
		zap.Bool("exhausted", job.Exhausted),
	)

	return job, nil
}

// jobFromClaimReply parses the claim script's [id, attempts, priority,
// fire_at] reply. An unexpected shape is an error, never a panic.
func jobFromClaimReply(res interface{}) (*Job, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("unexpected script reply %v", res)
	}

	idStr, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply: id %v", vals[0])
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("bad request id: %w", err)
	}

	attempts, ok := vals[1].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply: attempts %v", vals[1])
	}

	job := &Job{RequestID: id, Attempt: int(attempts)}
	if s, ok := vals[2].(string); ok {
		n, _ := strconv.Atoi(s)
		job.Priority = Priority(n)
	}
	if s, ok := vals[3].(string); ok {
		ms, _ := strconv.ParseInt(s, 10, 64)
		job.FireAt = time.UnixMilli(ms)
	}

	return job, nil
}

// Ack removes a claimed job after processing. The status guard in the
// firing path makes a lost ack safe, so Ack is unconditional.
func (q *Queue) Ack(ctx context.Context, id uuid.UUID) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, inflightKey, id.String())
	pipe.Del(ctx, metaPrefix+id.String())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack dispatch job: %w", err)
	}

	return nil
}

// ReapExpired returns jobs with expired leases to the scheduled set,
// making them due immediately. Returns how many were reaped.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := reapScript.Run(ctx, q.rdb,
		[]string{inflightKey, scheduledKey},
		now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}

	if res > 0 {
		q.logger.Warn("returned expired leases to the queue", zap.Int("count", res))
	}

	return res, nil
}

// Depth reports scheduled plus inflight cardinality for metrics.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	scheduled := pipe.ZCard(ctx, scheduledKey)
	inflight := pipe.ZCard(ctx, inflightKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}

	return scheduled.Val() + inflight.Val(), nil
}
