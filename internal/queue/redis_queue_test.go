package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T, policy Policy) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, "test", "email", policy), mr
}

func TestEnqueueAndClaim(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, KindEmail, EmailJob{CampaignID: "c1", RecipientID: "r1", Email: "a@example.com"}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, KindEmail, claimed.Kind)
	assert.Equal(t, 1, claimed.Attempts)

	payload, err := DecodeEmail(claimed)
	require.NoError(t, err)
	assert.Equal(t, "c1", payload.CampaignID)
	assert.Equal(t, "r1", payload.RecipientID)

	// Queue is empty now.
	none, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestIdempotentEnqueue(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	p := EmailJob{CampaignID: "c1", RecipientID: "r1"}
	first, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same idempotency key must not create a second job")

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestEnqueueBulkCountsOnlyNewJobs(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	seeded := EmailJob{CampaignID: "c1", RecipientID: "r0"}
	_, err := q.Enqueue(ctx, KindEmail, seeded, Options{IdempotencyKey: seeded.IdempotencyKey()})
	require.NoError(t, err)

	entries := make([]BulkEntry, 0, 4)
	for _, rid := range []string{"r0", "r1", "r2", "r2"} {
		p := EmailJob{CampaignID: "c1", RecipientID: rid}
		entries = append(entries, BulkEntry{
			Kind: KindEmail, Payload: p, Opts: Options{IdempotencyKey: p.IdempotencyKey()},
		})
	}

	// r0 dedupes against the seeded job, the second r2 against the
	// first inside the same batch.
	created, err := q.EnqueueBulk(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Waiting)
}

func TestEnqueueBulkHonorsDelay(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	created, err := q.EnqueueBulk(ctx, []BulkEntry{
		{Kind: KindEmail, Payload: EmailJob{CampaignID: "c1", RecipientID: "r1"}},
		{Kind: KindEmail, Payload: EmailJob{CampaignID: "c1", RecipientID: "r2"}, Opts: Options{Delay: time.Hour}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestTerminalFailureFreesIdempotencyKey(t *testing.T) {
	q, _ := setupQueue(t, Policy{MaxAttempts: 1})
	ctx := context.Background()

	p := EmailJob{CampaignID: "c1", RecipientID: "r1"}
	first, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	retry, err := q.Fail(ctx, claimed, "smtp down")
	require.NoError(t, err)
	require.False(t, retry)

	// The dead job must not shadow a fresh enqueue of the same work.
	second, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestFailTerminalFreesIdempotencyKey(t *testing.T) {
	q, _ := setupQueue(t, Policy{MaxAttempts: 3})
	ctx := context.Background()

	p := EmailJob{CampaignID: "c1", RecipientID: "r1"}
	first, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.FailTerminal(ctx, claimed, "bad template"))

	second, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRetryJobRestoresIdempotencyKey(t *testing.T) {
	q, _ := setupQueue(t, Policy{MaxAttempts: 1})
	ctx := context.Background()

	p := EmailJob{CampaignID: "c1", RecipientID: "r1"}
	job, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	_, err = q.Fail(ctx, claimed, "smtp down")
	require.NoError(t, err)

	ok, err := q.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// The requeued job dedupes duplicate enqueues again.
	dup, err := q.Enqueue(ctx, KindEmail, p, Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)
	assert.Equal(t, job.ID, dup.ID)
}

func TestPriorityOrdering(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "low"}, Options{Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "high"}, Options{Priority: 9})
	require.NoError(t, err)

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	p, _ := DecodeEmail(first)
	assert.Equal(t, "high", p.RecipientID)

	second, err := q.Claim(ctx)
	require.NoError(t, err)
	p, _ = DecodeEmail(second)
	assert.Equal(t, "low", p.RecipientID)
}

func TestDelayedJobPromotion(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindABTestWinner, WinnerSelectionJob{TestID: "t1"}, Options{Delay: 40 * time.Millisecond})
	require.NoError(t, err)

	// Not visible before the delay elapses.
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	time.Sleep(60 * time.Millisecond)

	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, KindABTestWinner, claimed.Kind)
}

func TestFailRetriesThenTerminal(t *testing.T) {
	q, _ := setupQueue(t, Policy{MaxAttempts: 3, Backoff: DelayTable(0)})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r1"}, Options{})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, job.Attempts)

		retried, err := q.Fail(ctx, job, "smtp timeout")
		require.NoError(t, err)
		if attempt < 3 {
			assert.True(t, retried)
		} else {
			assert.False(t, retried, "final attempt must be terminal")
		}
	}

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Waiting+stats.Delayed+stats.Active)
}

func TestReclaimStalled(t *testing.T) {
	q, _ := setupQueue(t, Policy{MaxAttempts: 3, VisibilityTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r1"}, Options{})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Worker dies: no heartbeat, deadline passes.
	time.Sleep(40 * time.Millisecond)

	n, err := q.ReclaimStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts, "a reclaimed claim consumes an attempt")
	assert.Equal(t, "worker heartbeat expired", reclaimed.LastError)
}

func TestHeartbeatPreventsReclaim(t *testing.T) {
	q, _ := setupQueue(t, Policy{VisibilityTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r1"}, Options{})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Heartbeat(ctx, job.ID))
	time.Sleep(20 * time.Millisecond)

	n, err := q.ReclaimStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "heartbeat extended the deadline")
}

func TestRetryJobResetsAttempts(t *testing.T) {
	q, _ := setupQueue(t, Policy{MaxAttempts: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r1"}, Options{})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	_, err = q.Fail(ctx, job, "hard bounce")
	require.NoError(t, err)

	ok, err := q.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts)
	assert.Empty(t, again.LastError)

	// Retrying a job that is not failed is a no-op.
	ok, err = q.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPauseResume(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r1"}, Options{})
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "paused queue must not hand out jobs")

	require.NoError(t, q.Resume(ctx))
	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.NotNil(t, claimed)
}

func TestRemoveByCampaign(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	for _, rid := range []string{"r1", "r2", "r3"} {
		_, err := q.Enqueue(ctx, KindEmail, EmailJob{CampaignID: "c1", RecipientID: rid}, Options{})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, KindEmail, EmailJob{CampaignID: "c2", RecipientID: "other"}, Options{})
	require.NoError(t, err)

	// One c1 job is already in flight; cancellation must not touch it.
	inflight, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, inflight)

	n, err := q.RemoveByCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting, "the c2 job survives")
	assert.Equal(t, int64(1), stats.Active)
}

func TestDrainAndCleanup(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r1"}, Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r2"}, Options{Delay: time.Hour})
	require.NoError(t, err)

	n, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Delayed)

	// Completed records expire via Cleanup.
	_, err = q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r3"}, Options{})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	removed, err := q.Cleanup(ctx, 0, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = q.GetJob(ctx, job.ID)
	assert.Error(t, err, "cleaned-up job record is gone")
}

func TestGetJobState(t *testing.T) {
	q, _ := setupQueue(t, Policy{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, KindEmail, EmailJob{RecipientID: "r1"}, Options{})
	require.NoError(t, err)

	_, state, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	_, state, err = q.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	require.NoError(t, q.Complete(ctx, claimed.ID))
	_, state, err = q.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestReleaseDoesNotConsumeAttempt(t *testing.T) {
	q, _ := setupQueue(t, Policy{MaxAttempts: 2})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, KindEmail, EmailJob{CampaignID: "c1", RecipientID: "r1"}, Options{})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)

	ok, err := q.Release(ctx, claimed.ID, 40*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	_, state, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	// After the delay elapses the job is claimable again on attempt 1.
	time.Sleep(60 * time.Millisecond)
	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)

	// Releasing a job that is not active is a no-op.
	ok, err = q.Release(ctx, "missing", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackoffStrategies(t *testing.T) {
	exp := ExponentialBackoff(time.Second, 10*time.Second)
	assert.Equal(t, time.Second, exp(1))
	assert.Equal(t, 2*time.Second, exp(2))
	assert.Equal(t, 4*time.Second, exp(3))
	assert.Equal(t, 10*time.Second, exp(30), "capped at max")

	table := DelayTable(time.Minute, 5*time.Minute, 30*time.Minute)
	assert.Equal(t, time.Minute, table(1))
	assert.Equal(t, 5*time.Minute, table(2))
	assert.Equal(t, 30*time.Minute, table(3))
	assert.Equal(t, 30*time.Minute, table(7), "attempts past the table reuse the last entry")
}
