package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/pkg/distlock"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/service/campaign"
)

type stubLock struct {
	held     bool
	acquires int
	releases int
}

func (l *stubLock) Acquire(context.Context) (bool, error) {
	l.acquires++
	return !l.held, nil
}

func (l *stubLock) Release(context.Context) error {
	l.releases++
	return nil
}

type sweepFake struct {
	mu      sync.Mutex
	sending []domain.Campaign
	checked []string
	done    map[string]bool
}

func (s *sweepFake) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	if f.Status != "sending" {
		return nil, 0, nil
	}
	return s.sending, len(s.sending), nil
}

func (s *sweepFake) CheckAndComplete(_ context.Context, campaignID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked = append(s.checked, campaignID)
	return s.done[campaignID], nil
}

func TestCompletionSweepChecksSendingCampaigns(t *testing.T) {
	fake := &sweepFake{
		sending: []domain.Campaign{
			{ID: "c1", Status: domain.CampaignSending},
			{ID: "c2", Status: domain.CampaignSending},
		},
		done: map[string]bool{"c2": true},
	}
	m := NewMaintenance(nil, fake, fake, nil, MaintenanceConfig{})

	m.completeCampaigns(context.Background())

	assert.Equal(t, []string{"c1", "c2"}, fake.checked)
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	fake := &sweepFake{
		sending: []domain.Campaign{{ID: "c1", Status: domain.CampaignSending}},
	}
	lock := &stubLock{held: true}
	m := NewMaintenance(nil, fake, fake, func(string, time.Duration) distlock.Lock { return lock }, MaintenanceConfig{})

	sweep := m.guarded("completion", time.Second, m.completeCampaigns)
	sweep(context.Background())
	assert.Empty(t, fake.checked)
	assert.Equal(t, 1, lock.acquires)

	lock.held = false
	sweep(context.Background())
	assert.Equal(t, []string{"c1"}, fake.checked)
	assert.Equal(t, 1, lock.releases)
}

func TestReclaimSweepRequeuesStalledJobs(t *testing.T) {
	q := newTestQueue(t, "email", queue.Policy{VisibilityTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.KindEmail, queue.EmailJob{CampaignID: "c1", RecipientID: "r1"}, queue.Options{})
	require.NoError(t, err)
	claimed := claimOne(t, q)

	m := NewMaintenance([]*queue.Queue{q}, nil, nil, nil, MaintenanceConfig{})

	// Still inside the visibility window: nothing to reclaim.
	m.reclaim(ctx)
	_, state, err := q.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, state)

	time.Sleep(50 * time.Millisecond)
	m.reclaim(ctx)

	_, state, err = q.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, state)
}

func TestCleanupSweepPrunesTerminalJobs(t *testing.T) {
	q := newTestQueue(t, "email", queue.Policy{MaxAttempts: 1})
	ctx := context.Background()

	done, err := q.Enqueue(ctx, queue.KindEmail, queue.EmailJob{CampaignID: "c1", RecipientID: "r1"}, queue.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, claimOne(t, q).ID))

	_, err = q.Enqueue(ctx, queue.KindEmail, queue.EmailJob{CampaignID: "c1", RecipientID: "r2"}, queue.Options{})
	require.NoError(t, err)
	_, err = q.Fail(ctx, claimOne(t, q), "boom")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	m := NewMaintenance([]*queue.Queue{q}, nil, nil, nil, MaintenanceConfig{
		CompletedRetention: 10 * time.Millisecond,
		FailedRetention:    time.Hour,
	})
	m.cleanup(ctx)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Completed, "expired completed jobs are pruned")
	assert.Equal(t, int64(1), stats.Failed, "failed jobs stay within their retention")

	_, _, err = q.GetJob(ctx, done.ID)
	assert.Error(t, err)
}
