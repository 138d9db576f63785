package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/pkg/logger"
)

// Waiting-set scores order by priority first (descending), then FIFO by
// enqueue time. One priority step outweighs any realistic clock value.
const priorityStride = 1e13

// Lua script for enqueue with idempotency-key dedupe. Re-enqueuing with a
// known key returns the existing job id and creates nothing.
const enqueueLua = `
local id = ARGV[1]
if ARGV[5] ~= '' then
    local existing = redis.call('HGET', KEYS[4], ARGV[5])
    if existing then
        return existing
    end
    redis.call('HSET', KEYS[4], ARGV[5], id)
end
redis.call('HSET', KEYS[1], id, ARGV[2])
if tonumber(ARGV[4]) > 0 then
    redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), id)
else
    redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), id)
end
return id
`

// Lua script for atomic claim: promote due delayed jobs, pop the best
// waiting job, bump its attempt counter, and move it to active with a
// visibility deadline. Dequeue-and-mark-active is one round trip so two
// workers can never claim the same job.
const claimLua = `
if redis.call('EXISTS', KEYS[5]) == 1 then
    return false
end
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[2], id)
    local raw = redis.call('HGET', KEYS[4], id)
    if raw then
        local job = cjson.decode(raw)
        local prio = tonumber(job['priority']) or 0
        redis.call('ZADD', KEYS[1], now - prio * 1e13, id)
    end
end
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
    return false
end
local id = popped[1]
local raw = redis.call('HGET', KEYS[4], id)
if not raw then
    return false
end
local job = cjson.decode(raw)
job['attempts'] = (tonumber(job['attempts']) or 0) + 1
raw = cjson.encode(job)
redis.call('HSET', KEYS[4], id, raw)
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
return raw
`

const completeLua = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
return 1
`

// Lua script for fail-or-retry: records the error, then either schedules
// the next attempt in the delayed set or parks the job in failed when the
// attempt budget is spent or ARGV[5] forces a terminal failure. A terminal
// job gives up its idempotency-key mapping so the same logical work can be
// enqueued fresh. Returns 1 when a retry was scheduled.
const failLua = `
local raw = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
if not raw then
    return -1
end
local job = cjson.decode(raw)
job['last_error'] = ARGV[3]
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(job))
if ARGV[5] == '1' or (tonumber(job['attempts']) or 0) >= (tonumber(job['max_attempts']) or 1) then
    if job['idempotency_key'] and redis.call('HGET', KEYS[5], job['idempotency_key']) == ARGV[1] then
        redis.call('HDEL', KEYS[5], job['idempotency_key'])
    end
    redis.call('ZADD', KEYS[4], tonumber(ARGV[2]), ARGV[1])
    return 0
end
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]) + tonumber(ARGV[4]), ARGV[1])
return 1
`

// Lua script reclaiming jobs whose visibility deadline passed: the worker
// stopped heartbeating, so the claim counts as a failed attempt rather
// than silent loss.
const reclaimLua = `
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 100)
local n = 0
for _, id in ipairs(expired) do
    redis.call('ZREM', KEYS[1], id)
    local raw = redis.call('HGET', KEYS[4], id)
    if raw then
        local job = cjson.decode(raw)
        job['last_error'] = 'worker heartbeat expired'
        redis.call('HSET', KEYS[4], id, cjson.encode(job))
        if (tonumber(job['attempts']) or 0) >= (tonumber(job['max_attempts']) or 1) then
            if job['idempotency_key'] and redis.call('HGET', KEYS[5], job['idempotency_key']) == id then
                redis.call('HDEL', KEYS[5], job['idempotency_key'])
            end
            redis.call('ZADD', KEYS[3], now, id)
        else
            local prio = tonumber(job['priority']) or 0
            redis.call('ZADD', KEYS[2], now - prio * 1e13, id)
        end
        n = n + 1
    end
end
return n
`

const heartbeatLua = `
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
    redis.call('ZADD', KEYS[1], tonumber(ARGV[2]), ARGV[1])
    return 1
end
return 0
`

const retryLua = `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
    return 0
end
local raw = redis.call('HGET', KEYS[3], ARGV[1])
if not raw then
    return 0
end
local job = cjson.decode(raw)
job['attempts'] = 0
job['last_error'] = nil
redis.call('HSET', KEYS[3], ARGV[1], cjson.encode(job))
if job['idempotency_key'] then
    redis.call('HSET', KEYS[4], job['idempotency_key'], ARGV[1])
end
local prio = tonumber(job['priority']) or 0
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) - prio * 1e13, ARGV[1])
return 1
`

const removeLua = `
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
    return 0
end
local job = cjson.decode(raw)
if job['idempotency_key'] then
    redis.call('HDEL', KEYS[7], job['idempotency_key'])
end
redis.call('HDEL', KEYS[1], ARGV[1])
for i = 2, 6 do
    redis.call('ZREM', KEYS[i], ARGV[1])
end
return 1
`

const cleanupLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
    local raw = redis.call('HGET', KEYS[2], id)
    if raw then
        local job = cjson.decode(raw)
        if job['idempotency_key'] then
            redis.call('HDEL', KEYS[3], job['idempotency_key'])
        end
    end
    redis.call('HDEL', KEYS[2], id)
    redis.call('ZREM', KEYS[1], id)
end
return #ids
`

const drainLua = `
local n = 0
for k = 1, 2 do
    local ids = redis.call('ZRANGE', KEYS[k], 0, -1)
    for _, id in ipairs(ids) do
        local raw = redis.call('HGET', KEYS[3], id)
        if raw then
            local job = cjson.decode(raw)
            if job['idempotency_key'] then
                redis.call('HDEL', KEYS[4], job['idempotency_key'])
            end
        end
        redis.call('HDEL', KEYS[3], id)
        n = n + 1
    end
    redis.call('DEL', KEYS[k])
end
return n
`

// Lua script removing not-yet-started jobs of one campaign from the
// waiting and delayed sets. Active jobs finish and reconcile later.
const removeCampaignLua = `
local n = 0
for k = 1, 2 do
    local ids = redis.call('ZRANGE', KEYS[k], 0, -1)
    for _, id in ipairs(ids) do
        local raw = redis.call('HGET', KEYS[3], id)
        if raw then
            local job = cjson.decode(raw)
            local p = job['payload']
            if type(p) == 'table' and p['campaign_id'] == ARGV[1] then
                if job['idempotency_key'] then
                    redis.call('HDEL', KEYS[4], job['idempotency_key'])
                end
                redis.call('HDEL', KEYS[3], id)
                redis.call('ZREM', KEYS[k], id)
                n = n + 1
            end
        end
    end
end
return n
`

// Lua script returning a claimed job to the delayed set without spending
// its attempt. Used when a worker claims a job it must not process yet,
// e.g. the campaign is paused.
const releaseLua = `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
    return 0
end
local raw = redis.call('HGET', KEYS[2], ARGV[1])
if not raw then
    return 0
end
local job = cjson.decode(raw)
job['attempts'] = math.max((tonumber(job['attempts']) or 1) - 1, 0)
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(job))
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
return 1
`

// Policy holds per-queue defaults.
type Policy struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
	Backoff           BackoffStrategy
}

// Queue is one named durable queue on a shared Redis connection.
type Queue struct {
	name   string
	prefix string
	rdb    redis.Cmdable
	policy Policy
	log    zerolog.Logger

	enqueueScript    *redis.Script
	claimScript      *redis.Script
	completeScript   *redis.Script
	failScript       *redis.Script
	reclaimScript    *redis.Script
	heartbeatScript  *redis.Script
	retryScript      *redis.Script
	removeScript     *redis.Script
	cleanupScript    *redis.Script
	drainScript      *redis.Script
	releaseScript    *redis.Script
	removeCampScript *redis.Script
}

// New creates a queue named name under the given key prefix.
func New(rdb redis.Cmdable, prefix, name string, policy Policy) *Queue {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.VisibilityTimeout <= 0 {
		policy.VisibilityTimeout = 5 * time.Minute
	}
	if policy.Backoff == nil {
		policy.Backoff = ExponentialBackoff(30*time.Second, 30*time.Minute)
	}
	return &Queue{
		name:             name,
		prefix:           prefix + ":" + name,
		rdb:              rdb,
		policy:           policy,
		log:              logger.For("queue." + name),
		enqueueScript:    redis.NewScript(enqueueLua),
		claimScript:      redis.NewScript(claimLua),
		completeScript:   redis.NewScript(completeLua),
		failScript:       redis.NewScript(failLua),
		reclaimScript:    redis.NewScript(reclaimLua),
		heartbeatScript:  redis.NewScript(heartbeatLua),
		retryScript:      redis.NewScript(retryLua),
		removeScript:     redis.NewScript(removeLua),
		cleanupScript:    redis.NewScript(cleanupLua),
		drainScript:      redis.NewScript(drainLua),
		releaseScript:    redis.NewScript(releaseLua),
		removeCampScript: redis.NewScript(removeCampaignLua),
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// VisibilityTimeout returns how long a claimed job stays invisible
// before the reclaimer may hand it out again.
func (q *Queue) VisibilityTimeout() time.Duration { return q.policy.VisibilityTimeout }

func (q *Queue) keyJobs() string      { return q.prefix + ":jobs" }
func (q *Queue) keyWaiting() string   { return q.prefix + ":waiting" }
func (q *Queue) keyDelayed() string   { return q.prefix + ":delayed" }
func (q *Queue) keyActive() string    { return q.prefix + ":active" }
func (q *Queue) keyCompleted() string { return q.prefix + ":completed" }
func (q *Queue) keyFailed() string    { return q.prefix + ":failed" }
func (q *Queue) keyIdem() string      { return q.prefix + ":idem" }
func (q *Queue) keyPaused() string    { return q.prefix + ":paused" }

func waitingScore(nowMs int64, priority int) float64 {
	return float64(nowMs) - float64(priority)*priorityStride
}

// Enqueue adds one job. When opts.IdempotencyKey matches an existing job,
// the existing job is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, opts Options) (*Job, error) {
	job, err := newJob(kind, payload, opts, q.policy.MaxAttempts)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	nowMs := time.Now().UnixMilli()
	readyAt := int64(0)
	if opts.Delay > 0 {
		readyAt = nowMs + opts.Delay.Milliseconds()
	}

	id, err := q.enqueueScript.Run(ctx, q.rdb,
		[]string{q.keyJobs(), q.keyWaiting(), q.keyDelayed(), q.keyIdem()},
		job.ID, string(raw), waitingScore(nowMs, job.Priority), readyAt, job.IdempotencyKey,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if id != job.ID {
		// Deduplicated against an earlier enqueue.
		existing, _, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}
	return job, nil
}

// BulkEntry is one job in a bulk enqueue.
type BulkEntry struct {
	Kind    Kind
	Payload any
	Opts    Options
}

// EnqueueBulk enqueues entries in order over a single pipelined round
// trip, returning how many were newly created (deduplicated entries do
// not count). On a pipeline error some entries may already be enqueued;
// the caller decides whether to continue.
func (q *Queue) EnqueueBulk(ctx context.Context, entries []BulkEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	nowMs := time.Now().UnixMilli()
	keys := []string{q.keyJobs(), q.keyWaiting(), q.keyDelayed(), q.keyIdem()}

	jobs := make([]*Job, 0, len(entries))
	cmds := make([]*redis.Cmd, 0, len(entries))
	pipe := q.rdb.Pipeline()
	for _, e := range entries {
		job, err := newJob(e.Kind, e.Payload, e.Opts, q.policy.MaxAttempts)
		if err != nil {
			return 0, err
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return 0, fmt.Errorf("marshal job: %w", err)
		}
		readyAt := int64(0)
		if e.Opts.Delay > 0 {
			readyAt = nowMs + e.Opts.Delay.Milliseconds()
		}
		// Eval rather than Run: EVALSHA's missing-script fallback does
		// not work from inside a pipeline.
		cmds = append(cmds, q.enqueueScript.Eval(ctx, pipe, keys,
			job.ID, string(raw), waitingScore(nowMs, job.Priority), readyAt, job.IdempotencyKey,
		))
		jobs = append(jobs, job)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("bulk enqueue: %w", err)
	}

	created := 0
	for i, cmd := range cmds {
		id, err := cmd.Text()
		if err != nil {
			return created, fmt.Errorf("bulk enqueue: %w", err)
		}
		if id == jobs[i].ID {
			created++
		}
	}
	return created, nil
}

// Claim atomically dequeues the best available job and marks it active.
// Returns nil when the queue is empty or paused.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	nowMs := time.Now().UnixMilli()
	deadline := nowMs + q.policy.VisibilityTimeout.Milliseconds()
	res, err := q.claimScript.Run(ctx, q.rdb,
		[]string{q.keyWaiting(), q.keyDelayed(), q.keyActive(), q.keyJobs(), q.keyPaused()},
		nowMs, deadline,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		return nil, fmt.Errorf("decode claimed job: %w", err)
	}
	return &job, nil
}

// Complete marks an active job as successfully finished.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.completeScript.Run(ctx, q.rdb,
		[]string{q.keyActive(), q.keyCompleted()},
		jobID, time.Now().UnixMilli(),
	).Err()
}

// Fail records a failed attempt. If attempts remain the job is delayed by
// the queue's backoff strategy and retried; otherwise it is terminal.
// Returns true when a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, failure string) (bool, error) {
	return q.fail(ctx, job, failure, false)
}

// FailTerminal parks the job in failed regardless of remaining attempts.
// For deterministic failures a retry cannot fix: bad payloads, render
// errors, unknown kinds.
func (q *Queue) FailTerminal(ctx context.Context, job *Job, failure string) error {
	_, err := q.fail(ctx, job, failure, true)
	return err
}

func (q *Queue) fail(ctx context.Context, job *Job, failure string, terminal bool) (bool, error) {
	backoff := q.policy.Backoff(job.Attempts)
	force := "0"
	if terminal {
		force = "1"
	}
	res, err := q.failScript.Run(ctx, q.rdb,
		[]string{q.keyActive(), q.keyJobs(), q.keyDelayed(), q.keyFailed(), q.keyIdem()},
		job.ID, time.Now().UnixMilli(), failure, backoff.Milliseconds(), force,
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return res == 1, nil
}

// Heartbeat extends the visibility deadline of an active job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(q.policy.VisibilityTimeout).UnixMilli()
	return q.heartbeatScript.Run(ctx, q.rdb, []string{q.keyActive()}, jobID, deadline).Err()
}

// ReclaimStalled moves jobs whose visibility deadline has passed back to
// waiting (or failed when out of attempts). Returns how many were moved.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	n, err := q.reclaimScript.Run(ctx, q.rdb,
		[]string{q.keyActive(), q.keyWaiting(), q.keyFailed(), q.keyJobs(), q.keyIdem()},
		time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	if n > 0 {
		q.log.Warn().Int("count", n).Msg("reclaimed stalled jobs")
	}
	return n, nil
}

// Release returns a claimed job to the delayed set without spending its
// attempt, to become visible again after delay. Returns false when the
// job is no longer active.
func (q *Queue) Release(ctx context.Context, jobID string, delay time.Duration) (bool, error) {
	readyAt := time.Now().Add(delay).UnixMilli()
	res, err := q.releaseScript.Run(ctx, q.rdb,
		[]string{q.keyActive(), q.keyJobs(), q.keyDelayed()},
		jobID, readyAt,
	).Int()
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", jobID, err)
	}
	return res == 1, nil
}

// RetryJob manually requeues a terminally failed job with a fresh attempt
// budget. Returns false if the job is not in the failed set.
func (q *Queue) RetryJob(ctx context.Context, jobID string) (bool, error) {
	res, err := q.retryScript.Run(ctx, q.rdb,
		[]string{q.keyFailed(), q.keyWaiting(), q.keyJobs(), q.keyIdem()},
		jobID, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", jobID, err)
	}
	return res == 1, nil
}

// RemoveJob deletes a job from every set. Returns false if unknown.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) (bool, error) {
	res, err := q.removeScript.Run(ctx, q.rdb,
		[]string{q.keyJobs(), q.keyWaiting(), q.keyDelayed(), q.keyActive(), q.keyCompleted(), q.keyFailed(), q.keyIdem()},
		jobID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return res == 1, nil
}

// RemoveByCampaign deletes all not-yet-started jobs whose payload belongs
// to the given campaign. In-flight jobs are left to finish.
func (q *Queue) RemoveByCampaign(ctx context.Context, campaignID string) (int, error) {
	n, err := q.removeCampScript.Run(ctx, q.rdb,
		[]string{q.keyWaiting(), q.keyDelayed(), q.keyJobs(), q.keyIdem()},
		campaignID,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("remove campaign jobs: %w", err)
	}
	return n, nil
}

// GetJob fetches a job and the state set it currently occupies.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, State, error) {
	raw, err := q.rdb.HGet(ctx, q.keyJobs(), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, "", fmt.Errorf("decode job %s: %w", jobID, err)
	}

	for _, probe := range []struct {
		key   string
		state State
	}{
		{q.keyActive(), StateActive},
		{q.keyWaiting(), StateWaiting},
		{q.keyDelayed(), StateDelayed},
		{q.keyCompleted(), StateCompleted},
		{q.keyFailed(), StateFailed},
	} {
		if err := q.rdb.ZScore(ctx, probe.key, jobID).Err(); err == nil {
			return &job, probe.state, nil
		}
	}
	return &job, "", nil
}

// GetStats returns per-state counts.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Waiting, err = q.rdb.ZCard(ctx, q.keyWaiting()).Result(); err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	s.Delayed, _ = q.rdb.ZCard(ctx, q.keyDelayed()).Result()
	s.Active, _ = q.rdb.ZCard(ctx, q.keyActive()).Result()
	s.Completed, _ = q.rdb.ZCard(ctx, q.keyCompleted()).Result()
	s.Failed, _ = q.rdb.ZCard(ctx, q.keyFailed()).Result()
	paused, _ := q.rdb.Exists(ctx, q.keyPaused()).Result()
	s.Paused = paused == 1
	return s, nil
}

// Pause stops claims; queued jobs stay put until Resume.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.keyPaused(), "1", 0).Err()
}

// Resume lifts a pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.keyPaused()).Err()
}

// Drain removes every waiting and delayed job. Active jobs finish.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	n, err := q.drainScript.Run(ctx, q.rdb,
		[]string{q.keyWaiting(), q.keyDelayed(), q.keyJobs(), q.keyIdem()},
	).Int()
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	return n, nil
}

// Cleanup expires terminal job records older than olderThan so storage
// stays bounded. state must be StateCompleted or StateFailed.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration, state State) (int, error) {
	var key string
	switch state {
	case StateCompleted:
		key = q.keyCompleted()
	case StateFailed:
		key = q.keyFailed()
	default:
		return 0, fmt.Errorf("cleanup: unsupported state %q", state)
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	n, err := q.cleanupScript.Run(ctx, q.rdb,
		[]string{key, q.keyJobs(), q.keyIdem()},
		cutoff,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", state, err)
	}
	return n, nil
}
