package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/flowmail/internal/queue"
)

func TestKeepAliveExtendsVisibility(t *testing.T) {
	q := newTestQueue(t, "email", queue.Policy{VisibilityTimeout: 60 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.KindEmail, queue.EmailJob{CampaignID: "c1", RecipientID: "r1"}, queue.Options{})
	require.NoError(t, err)
	job := claimOne(t, q)

	stop := keepAlive(ctx, q, job.ID, zerolog.Nop())
	time.Sleep(150 * time.Millisecond)

	// Well past the original deadline, but the ticker kept pushing it.
	n, err := q.ReclaimStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a heartbeating job must not be reclaimed")

	stop()
	time.Sleep(100 * time.Millisecond)

	n, err = q.ReclaimStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "without heartbeats the deadline lapses")

	_, state, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, state)
}

func TestKeepAliveStopsOnContextCancel(t *testing.T) {
	q := newTestQueue(t, "email", queue.Policy{VisibilityTimeout: 60 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Enqueue(ctx, queue.KindEmail, queue.EmailJob{CampaignID: "c1", RecipientID: "r1"}, queue.Options{})
	require.NoError(t, err)
	job := claimOne(t, q)

	stop := keepAlive(ctx, q, job.ID, zerolog.Nop())
	cancel()
	stop()

	time.Sleep(100 * time.Millisecond)
	n, err := q.ReclaimStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
