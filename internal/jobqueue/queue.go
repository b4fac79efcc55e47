// Package jobqueue implements the durable priority queue the agents consume.
// Waiting jobs live in a redis sorted set scored by priority and enqueue
// time; retries park in a delayed set until their backoff expires; terminal
// jobs are retained in capped lists for inspection.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// priorityBand separates priority classes in the waiting-set score; within a
// class jobs stay FIFO by enqueue time in milliseconds.
const priorityBand = 1e15

const promoteBatch = 64

// Config carries the queue's retry and retention policy.
type Config struct {
	MaxAttempts   int
	RetryBackoff  time.Duration
	KeepCompleted int64
	KeepFailed    int64
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 500
	}
}

// redisStore is the go-redis subset the queue needs; *redis.Client satisfies it.
type redisStore interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Depth is a point-in-time census of the queue.
type Depth struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is one named, tenant-scoped durable queue.
type Queue struct {
	store     redisStore
	name      string
	keyPrefix string
	cfg       Config
	clock     func() time.Time
}

// New builds a queue on the shared redis connection. keyPrefix should already
// be namespaced per tenant.
func New(store redisStore, keyPrefix, name string, cfg Config) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("redis store required")
	}
	if name == "" {
		return nil, fmt.Errorf("queue name required")
	}
	cfg.applyDefaults()
	return &Queue{
		store:     store,
		name:      name,
		keyPrefix: keyPrefix,
		cfg:       cfg,
		clock:     time.Now,
	}, nil
}

// Name returns the queue's short name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(state string) string {
	if q.keyPrefix == "" {
		return fmt.Sprintf("%s:%s", q.name, state)
	}
	return fmt.Sprintf("%s:%s:%s", q.keyPrefix, q.name, state)
}

func (q *Queue) score(job *Job) float64 {
	return float64(job.Priority)*priorityBand + float64(job.EnqueuedAt.UnixMilli())
}

// Enqueue adds a job to the waiting set. Producers never block on consumer
// speed; queue depth absorbs the load.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts ...Option) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := newJob(name, raw, q.cfg.MaxAttempts, q.clock().UTC())
	for _, opt := range opts {
		opt(job)
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	err = q.store.ZAdd(ctx, q.key("waiting"), redis.Z{
		Score:  q.score(job),
		Member: string(encoded),
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return job, nil
}

// Dequeue promotes due retries and pops the highest-priority waiting job.
// It returns (nil, nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	popped, err := q.store.ZPopMin(ctx, q.key("waiting"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", q.name, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	member, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("dequeue %s: unexpected member type %T", q.name, popped[0].Member)
	}
	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.Attempts++
	return &job, nil
}

func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := q.clock().UTC().UnixMilli()
	due, err := q.store.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	for _, member := range due {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// Unreadable entries would wedge the delayed set forever; drop them.
			_ = q.store.ZRem(ctx, q.key("delayed"), member).Err()
			continue
		}
		if err := q.store.ZRem(ctx, q.key("delayed"), member).Err(); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
		err = q.store.ZAdd(ctx, q.key("waiting"), redis.Z{
			Score:  q.score(&job),
			Member: member,
		}).Err()
		if err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
	}
	return nil
}

// Complete records the job in the completed retention list.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	return q.retain(ctx, job, "completed", q.cfg.KeepCompleted)
}

// Fail either schedules a retry with exponential backoff or, when attempts
// are exhausted or the error is not retryable, records the job as failed.
// It reports whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error, retryable bool) (bool, error) {
	if jobErr != nil {
		job.LastError = jobErr.Error()
	}
	if retryable && job.Attempts < job.MaxAttempts {
		// Attempts is 0 when the job never went through Dequeue; treat that
		// as a first attempt rather than shifting by a negative count.
		attempt := job.Attempts
		if attempt < 1 {
			attempt = 1
		}
		delay := q.cfg.RetryBackoff * (1 << (attempt - 1))
		readyAt := q.clock().UTC().Add(delay)
		encoded, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("marshal job: %w", err)
		}
		err = q.store.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: string(encoded),
		}).Err()
		if err != nil {
			return false, fmt.Errorf("schedule retry: %w", err)
		}
		return true, nil
	}
	return false, q.retain(ctx, job, "failed", q.cfg.KeepFailed)
}

func (q *Queue) retain(ctx context.Context, job *Job, state string, keep int64) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	key := q.key(state)
	if err := q.store.LPush(ctx, key, string(encoded)).Err(); err != nil {
		return fmt.Errorf("retain %s: %w", state, err)
	}
	if err := q.store.LTrim(ctx, key, 0, keep-1).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", state, err)
	}
	return nil
}

// Depth reports waiting/delayed/completed/failed counts. Active is filled in
// by the consumer, which tracks in-flight jobs.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	var depth Depth
	var err error
	if depth.Waiting, err = q.store.ZCard(ctx, q.key("waiting")).Result(); err != nil {
		return depth, fmt.Errorf("depth waiting: %w", err)
	}
	if depth.Delayed, err = q.store.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return depth, fmt.Errorf("depth delayed: %w", err)
	}
	if depth.Completed, err = q.store.LLen(ctx, q.key("completed")).Result(); err != nil {
		return depth, fmt.Errorf("depth completed: %w", err)
	}
	if depth.Failed, err = q.store.LLen(ctx, q.key("failed")).Result(); err != nil {
		return depth, fmt.Errorf("depth failed: %w", err)
	}
	return depth, nil
}

// Purge drops every key owned by the queue.
func (q *Queue) Purge(ctx context.Context) error {
	keys := []string{
		q.key("waiting"), q.key("delayed"), q.key("completed"), q.key("failed"),
	}
	return q.store.Del(ctx, keys...).Err()
}
