package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options tunes per-queue behavior. Zero values fall back to defaults.
type Options struct {
	// MaxAttempts is the default attempt budget per job.
	MaxAttempts int

	// BackoffBase and BackoffCap bound the exponential retry delay:
	// base·2^(n−1), capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Completed jobs are removed once older than RemoveOnCompleteAge or
	// beyond RemoveOnCompleteCount, whichever hits first.
	RemoveOnCompleteAge   time.Duration
	RemoveOnCompleteCount int64

	// Failed jobs are removed once older than RemoveOnFailAge.
	RemoveOnFailAge time.Duration

	// StallWindow is how long a job may sit active before any worker may
	// requeue it.
	StallWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.RemoveOnCompleteAge <= 0 {
		o.RemoveOnCompleteAge = 24 * time.Hour
	}
	if o.RemoveOnCompleteCount <= 0 {
		o.RemoveOnCompleteCount = 1000
	}
	if o.RemoveOnFailAge <= 0 {
		o.RemoveOnFailAge = 7 * 24 * time.Hour
	}
	if o.StallWindow <= 0 {
		o.StallWindow = 30 * time.Minute
	}
	return o
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// Queue is a durable Redis-backed job queue.
type Queue struct {
	rdb    *redis.Client
	name   string
	opts   Options
	logger *slog.Logger

	now func() time.Time
}

// New creates a Queue over the given Redis client.
func New(rdb *redis.Client, name string, opts Options, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		name:   name,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// MaxAttempts returns the queue's default attempt budget.
func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

// Keyspace layout for a queue named Q: bull:Q:<id> job hashes, bull:Q:id
// the ID counter, bull:Q:waiting a FIFO list, bull:Q:active the leased
// list, bull:Q:{completed,failed,delayed} sorted sets scored by
// timestamp, bull:Q:stalled-check the stall-detection set, and
// bull:Q:events a capped lifecycle stream.
func (q *Queue) key(parts ...string) string {
	k := "bull:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key(id) }
func (q *Queue) counterKey() string      { return q.key("id") }
func (q *Queue) waitingKey() string      { return q.key("waiting") }
func (q *Queue) activeKey() string       { return q.key("active") }
func (q *Queue) completedKey() string    { return q.key("completed") }
func (q *Queue) failedKey() string       { return q.key("failed") }
func (q *Queue) delayedKey() string      { return q.key("delayed") }
func (q *Queue) stalledCheckKey() string { return q.key("stalled-check") }
func (q *Queue) eventsKey() string       { return q.key("events") }

// Enqueue writes a new waiting job and returns it.
func (q *Queue) Enqueue(ctx context.Context, useCase, recipient string, filters map[string]string) (*Job, error) {
	id, err := q.rdb.Incr(ctx, q.counterKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}

	job := &Job{
		ID:          strconv.FormatInt(id, 10),
		UseCase:     useCase,
		Recipient:   recipient,
		Filters:     filters,
		MaxAttempts: q.opts.MaxAttempts,
		State:       StateWaiting,
		CreatedAt:   q.now(),
	}

	fields, err := job.hashFields()
	if err != nil {
		return nil, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), fields)
	pipe.LPush(ctx, q.waitingKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}

	q.emit(ctx, "waiting", job.ID, nil)
	q.logger.Info("job enqueued", "job_id", job.ID, "use_case", useCase, "recipient", recipient)
	return job, nil
}

// GetJob loads a job by ID.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	hash, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return jobFromHash(id, hash)
}

// Stats counts jobs per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	active := pipe.LLen(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("reading queue stats: %w", err)
	}

	s := Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	return s, nil
}

// Lease blocks up to timeout for a waiting job, atomically moving its ID
// to the active list and marking it active. The attempt counter increments
// when processing starts, so a job completed on its second try reports
// attemptsMade = 2. Returns (nil, nil) when the timeout elapses.
func (q *Queue) Lease(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, q.waitingKey(), q.activeKey(), "right", "left", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leasing job: %w", err)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Hash vanished under us (cleanup race); drop the lease.
		_ = q.rdb.LRem(ctx, q.activeKey(), 1, id).Err()
		return nil, err
	}

	now := q.now()
	job.State = StateActive
	job.ProcessedOn = &now
	job.AttemptsMade++

	err = q.rdb.HSet(ctx, q.jobKey(id), map[string]any{
		"state":        string(StateActive),
		"processedOn":  now.UnixMilli(),
		"attemptsMade": job.AttemptsMade,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("marking job %s active: %w", id, err)
	}

	q.emit(ctx, "active", id, nil)
	return job, nil
}

// Complete marks a leased job completed with its result payload.
func (q *Queue) Complete(ctx context.Context, job *Job, result string) error {
	now := q.now()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"state":      string(StateCompleted),
		"finishedOn": now.UnixMilli(),
		"result":     result,
	})
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.SRem(ctx, q.stalledCheckKey(), job.ID)
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}

	job.State = StateCompleted
	job.FinishedOn = &now
	job.Result = result

	q.emit(ctx, "completed", job.ID, nil)
	return nil
}

// RetryLater moves a leased job to the delayed set, to be promoted back to
// waiting once its backoff delay elapses.
func (q *Queue) RetryLater(ctx context.Context, job *Job, cause string) (time.Duration, error) {
	delay := q.Backoff(job.AttemptsMade)
	runAt := q.now().Add(delay)

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"state":        string(StateDelayed),
		"failedReason": cause,
	})
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.SRem(ctx, q.stalledCheckKey(), job.ID)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delaying job %s: %w", job.ID, err)
	}

	job.State = StateDelayed
	q.emit(ctx, "delayed", job.ID, map[string]any{"delay_ms": delay.Milliseconds()})
	return delay, nil
}

// Fail terminally fails a leased job.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) error {
	now := q.now()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"state":        string(StateFailed),
		"finishedOn":   now.UnixMilli(),
		"failedReason": reason,
	})
	pipe.LRem(ctx, q.activeKey(), 1, job.ID)
	pipe.SRem(ctx, q.stalledCheckKey(), job.ID)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failing job %s: %w", job.ID, err)
	}

	job.State = StateFailed
	job.FinishedOn = &now
	job.FailedReason = reason

	q.emit(ctx, "failed", job.ID, map[string]any{"reason": reason})
	return nil
}

// RetryJob promotes a terminally failed job back to waiting, preserving
// its attempt count. Only failed jobs may be retried this way.
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.State)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"state": string(StateWaiting),
	})
	pipe.HDel(ctx, q.jobKey(id), "finishedOn")
	pipe.ZRem(ctx, q.failedKey(), id)
	pipe.LPush(ctx, q.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retrying job %s: %w", id, err)
	}

	q.emit(ctx, "waiting", id, map[string]any{"retried": true})
	return nil
}

// Backoff returns the retry delay after the n-th failure (1-indexed):
// base·2^(n−1), capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.opts.BackoffBase << (attempt - 1)
	if delay > q.opts.BackoffCap || delay <= 0 {
		delay = q.opts.BackoffCap
	}
	return delay
}

// PromoteDelayed moves every delayed job whose run time has arrived back
// onto the waiting list, behind all currently waiting jobs.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing due delayed jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("promoting job %s: %w", id, err)
		}
		if removed == 0 {
			continue // another worker promoted it first
		}

		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.LPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("promoting job %s: %w", id, err)
		}
		promoted++
		q.emit(ctx, "waiting", id, map[string]any{"promoted": true})
	}
	return promoted, nil
}

// RequeueStalled returns stalled jobs to the waiting list. A job is
// stalled when it has sat on the active list across two checks and its
// processedOn is older than the stall window — the usual cause is a
// worker that died mid-lease.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("listing active jobs: %w", err)
	}

	activeSet := make(map[string]bool, len(ids))
	requeued := 0
	for _, id := range ids {
		activeSet[id] = true

		seen, err := q.rdb.SIsMember(ctx, q.stalledCheckKey(), id).Result()
		if err != nil {
			return requeued, fmt.Errorf("checking stalled set: %w", err)
		}
		if !seen {
			if err := q.rdb.SAdd(ctx, q.stalledCheckKey(), id).Err(); err != nil {
				return requeued, fmt.Errorf("marking stalled candidate: %w", err)
			}
			continue
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				_ = q.rdb.LRem(ctx, q.activeKey(), 1, id).Err()
				_ = q.rdb.SRem(ctx, q.stalledCheckKey(), id).Err()
				continue
			}
			return requeued, err
		}
		if job.State != StateActive || job.ProcessedOn == nil {
			continue
		}
		if q.now().Sub(*job.ProcessedOn) < q.opts.StallWindow {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 1, id)
		pipe.SRem(ctx, q.stalledCheckKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.LPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("requeueing stalled job %s: %w", id, err)
		}
		requeued++
		q.logger.Warn("requeued stalled job", "job_id", id)
		q.emit(ctx, "stalled", id, nil)
	}

	// Drop stall candidates that are no longer active.
	members, err := q.rdb.SMembers(ctx, q.stalledCheckKey()).Result()
	if err != nil {
		return requeued, fmt.Errorf("listing stalled set: %w", err)
	}
	for _, id := range members {
		if !activeSet[id] {
			_ = q.rdb.SRem(ctx, q.stalledCheckKey(), id).Err()
		}
	}

	return requeued, nil
}

// CleanUp enforces the retention policy: completed jobs are removed after
// RemoveOnCompleteAge or beyond RemoveOnCompleteCount (whichever hits
// first), failed jobs after RemoveOnFailAge. Job hashes are deleted with
// their index entries.
func (q *Queue) CleanUp(ctx context.Context) error {
	now := q.now()

	// Completed, by age.
	cutoff := strconv.FormatInt(now.Add(-q.opts.RemoveOnCompleteAge).UnixMilli(), 10)
	if err := q.removeRange(ctx, q.completedKey(), "-inf", cutoff); err != nil {
		return err
	}

	// Completed, by count: trim the oldest beyond the cap.
	card, err := q.rdb.ZCard(ctx, q.completedKey()).Result()
	if err != nil {
		return fmt.Errorf("counting completed jobs: %w", err)
	}
	if excess := card - q.opts.RemoveOnCompleteCount; excess > 0 {
		ids, err := q.rdb.ZRange(ctx, q.completedKey(), 0, excess-1).Result()
		if err != nil {
			return fmt.Errorf("listing excess completed jobs: %w", err)
		}
		if err := q.removeJobs(ctx, q.completedKey(), ids); err != nil {
			return err
		}
	}

	// Failed, by age.
	cutoff = strconv.FormatInt(now.Add(-q.opts.RemoveOnFailAge).UnixMilli(), 10)
	return q.removeRange(ctx, q.failedKey(), "-inf", cutoff)
}

func (q *Queue) removeRange(ctx context.Context, key, min, max string) error {
	ids, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return fmt.Errorf("listing expired jobs: %w", err)
	}
	return q.removeJobs(ctx, key, ids)
}

func (q *Queue) removeJobs(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing expired jobs: %w", err)
	}
	q.logger.Debug("removed expired jobs", "count", len(ids))
	return nil
}

// emit appends a lifecycle event to the capped events stream. Event loss
// is tolerable, so errors only log.
func (q *Queue) emit(ctx context.Context, event, jobID string, extra map[string]any) {
	values := map[string]any{
		"event":  event,
		"job_id": jobID,
		"ts":     q.now().UnixMilli(),
	}
	for k, v := range extra {
		values[k] = v
	}

	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.eventsKey(),
		MaxLen: 1024,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		q.logger.Warn("emitting queue event", "event", event, "job_id", jobID, "error", err)
	}
}
