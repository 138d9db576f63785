package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/metrics"
	"github.com/flowmail/flowmail/internal/pkg/distlock"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/service/campaign"
)

// CompletionChecker closes out campaigns with no work left.
type CompletionChecker interface {
	CheckAndComplete(ctx context.Context, campaignID string) (bool, error)
}

// CampaignLister lists campaigns by status for the completion sweep.
type CampaignLister interface {
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error)
}

// LockFactory builds a distributed lock for a named sweep. Sweeps take the
// lock per tick so a fleet of workers runs each sweep once, not once per
// process. A nil factory disables locking.
type LockFactory func(name string, ttl time.Duration) distlock.Lock

// MaintenanceConfig tunes the background sweeps.
type MaintenanceConfig struct {
	ReclaimInterval    time.Duration
	CompletionInterval time.Duration
	CleanupInterval    time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.CompletionInterval <= 0 {
		c.CompletionInterval = 15 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
	return c
}

// Maintenance runs the background sweeps every worker deployment needs:
// reclaiming jobs from dead workers, completing drained campaigns, and
// pruning terminal job state past retention.
type Maintenance struct {
	queues    []*queue.Queue
	campaigns CampaignLister
	checker   CompletionChecker
	locks     LockFactory
	cfg       MaintenanceConfig
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMaintenance creates the maintenance runner over the given queues.
func NewMaintenance(queues []*queue.Queue, campaigns CampaignLister, checker CompletionChecker, locks LockFactory, cfg MaintenanceConfig) *Maintenance {
	return &Maintenance{
		queues:    queues,
		campaigns: campaigns,
		checker:   checker,
		locks:     locks,
		cfg:       cfg.withDefaults(),
		log:       logger.For("worker.maintenance"),
	}
}

// Start launches the sweep loops.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(3)
	go m.every(ctx, m.cfg.ReclaimInterval, m.guarded("reclaim", m.cfg.ReclaimInterval, m.reclaim))
	go m.every(ctx, m.cfg.CompletionInterval, m.guarded("completion", m.cfg.CompletionInterval, m.completeCampaigns))
	go m.every(ctx, m.cfg.CleanupInterval, m.guarded("cleanup", m.cfg.CleanupInterval, m.cleanup))
	return nil
}

// guarded wraps a sweep so each tick runs under the distributed lock.
// Lock errors fail open and the sweep still runs.
func (m *Maintenance) guarded(name string, ttl time.Duration, fn func(context.Context)) func(context.Context) {
	if m.locks == nil {
		return fn
	}
	lock := m.locks("maintenance:"+name, ttl)
	return func(ctx context.Context) {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			m.log.Warn().Err(err).Str("sweep", name).Msg("sweep lock acquire failed")
			fn(ctx)
			return
		}
		if !ok {
			return
		}
		defer lock.Release(ctx)
		fn(ctx)
	}
}

// Stop cancels the loops and waits for them.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Maintenance) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Maintenance) reclaim(ctx context.Context) {
	for _, q := range m.queues {
		n, err := q.ReclaimStalled(ctx)
		if err != nil {
			m.log.Error().Err(err).Str("queue", q.Name()).Msg("reclaim failed")
			continue
		}
		if n > 0 {
			metrics.JobsReclaimed.WithLabelValues(q.Name()).Add(float64(n))
		}

		stats, err := q.GetStats(ctx)
		if err != nil {
			continue
		}
		metrics.QueueDepth.WithLabelValues(q.Name(), "waiting").Set(float64(stats.Waiting))
		metrics.QueueDepth.WithLabelValues(q.Name(), "delayed").Set(float64(stats.Delayed))
		metrics.QueueDepth.WithLabelValues(q.Name(), "active").Set(float64(stats.Active))
		metrics.QueueDepth.WithLabelValues(q.Name(), "failed").Set(float64(stats.Failed))
	}
}

func (m *Maintenance) completeCampaigns(ctx context.Context) {
	if m.campaigns == nil || m.checker == nil {
		return
	}
	sending, _, err := m.campaigns.List(ctx, campaign.ListFilter{Status: "sending", Limit: 200})
	if err != nil {
		m.log.Error().Err(err).Msg("list sending campaigns failed")
		return
	}
	for i := range sending {
		done, err := m.checker.CheckAndComplete(ctx, sending[i].ID)
		if err != nil {
			m.log.Error().Err(err).Str("campaign_id", sending[i].ID).Msg("completion check failed")
			continue
		}
		if done {
			m.log.Info().Str("campaign_id", sending[i].ID).Msg("campaign drained")
		}
	}
}

func (m *Maintenance) cleanup(ctx context.Context) {
	for _, q := range m.queues {
		if n, err := q.Cleanup(ctx, m.cfg.CompletedRetention, queue.StateCompleted); err != nil {
			m.log.Error().Err(err).Str("queue", q.Name()).Msg("completed cleanup failed")
		} else if n > 0 {
			m.log.Debug().Str("queue", q.Name()).Int("pruned", n).Msg("completed jobs pruned")
		}
		if n, err := q.Cleanup(ctx, m.cfg.FailedRetention, queue.StateFailed); err != nil {
			m.log.Error().Err(err).Str("queue", q.Name()).Msg("failed cleanup failed")
		} else if n > 0 {
			m.log.Debug().Str("queue", q.Name()).Int("pruned", n).Msg("failed jobs pruned")
		}
	}
}
