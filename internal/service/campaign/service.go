package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/queue"
)

// Notifier publishes lifecycle events to interested subscribers. The
// webhook service implements it; a nil Notifier disables notifications.
type Notifier interface {
	Notify(ctx context.Context, event domain.EventType, campaignID string, payload any)
}

// Config tunes the batching engine.
type Config struct {
	// BatchSize is the number of recipients queued per batch.
	BatchSize int
	// DelayBetweenBatches staggers batch visibility so a large campaign
	// ramps instead of landing on the queue at once.
	DelayBetweenBatches time.Duration
	// SendRatePerSecond is the configured delivery rate, used only for
	// the ETA estimate in QueueStatus.
	SendRatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Service implements campaign business logic: lifecycle transitions and
// the batching engine that expands a campaign into durable email jobs.
// All public methods are safe for concurrent use if the repositories are.
type Service struct {
	repo       Repository
	recipients RecipientRepository
	jobs       Enqueuer
	notifier   Notifier
	cfg        Config
	log        zerolog.Logger
}

// NewService creates a campaign service.
func NewService(repo Repository, recipients RecipientRepository, jobs Enqueuer, notifier Notifier, cfg Config) *Service {
	return &Service{
		repo:       repo,
		recipients: recipients,
		jobs:       jobs,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		log:        logger.For("campaign"),
	}
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, f)
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, c *domain.Campaign) (*domain.Campaign, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if c.FromEmail == "" {
		return nil, fmt.Errorf("from_email is required")
	}
	c.Status = domain.CampaignDraft

	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

// AddRecipients bulk-loads recipients into a campaign.
func (s *Service) AddRecipients(ctx context.Context, campaignID string, recips []domain.Recipient) (int, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return 0, err
	}
	return s.recipients.BulkInsert(ctx, campaignID, recips)
}

// Queue starts delivery: it transitions the campaign to sending exactly
// once, freezes the recipient total, and expands pending recipients into
// email jobs batch by batch. Each batch is delayed one step further than
// the last so a large campaign ramps up instead of flooding the queue.
//
// Returns the number of jobs created. A second concurrent Queue call
// loses the status guard and gets ErrInvalidTransition, so a campaign is
// only ever expanded once.
func (s *Service) Queue(ctx context.Context, campaignID string) (int, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !c.Startable() {
		return 0, ErrNotStartable
	}

	pending, err := s.recipients.CountPending(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if pending == 0 {
		return 0, ErrNoRecipients
	}

	if err := s.repo.TransitionStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled},
		domain.CampaignSending); err != nil {
		return 0, err
	}
	if err := s.repo.SetTotalRecipients(ctx, campaignID, pending); err != nil {
		return 0, err
	}

	queued, err := s.expandPending(ctx, c, nil)
	if err != nil && queued == 0 {
		// Nothing made it onto the queue; hand the campaign back.
		if rbErr := s.repo.TransitionStatus(ctx, campaignID,
			[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignDraft); rbErr != nil {
			s.log.Error().Err(rbErr).Str("campaign_id", campaignID).Msg("rollback to draft failed")
		}
		return 0, err
	}
	if err != nil {
		// Partial expansion: earlier batches are already out, keep sending.
		s.log.Error().Err(err).Str("campaign_id", campaignID).
			Int("queued", queued).Msg("campaign expansion stopped early")
		return queued, err
	}

	s.log.Info().Str("campaign_id", campaignID).Int("jobs", queued).Msg("campaign queued")
	return queued, nil
}

// expandPending pages pending recipients and enqueues an email job per
// recipient. variantContent, when non-nil, maps recipient ID to the
// variant whose content overrides the campaign's; the split tester uses
// it for sample sends.
func (s *Service) expandPending(ctx context.Context, c *domain.Campaign, variantContent map[string]*domain.ABTestVariant) (int, error) {
	queued := 0
	cursor := ""
	batch := 0
	for {
		page, err := s.recipients.PagePending(ctx, c.ID, cursor, s.cfg.BatchSize)
		if err != nil {
			return queued, err
		}
		if len(page) == 0 {
			return queued, nil
		}
		cursor = page[len(page)-1].ID

		entries := make([]queue.BulkEntry, 0, len(page))
		ids := make([]string, 0, len(page))
		variantByID := make(map[string]string)
		for i := range page {
			rec := &page[i]
			var variant *domain.ABTestVariant
			if variantContent != nil {
				variant = variantContent[rec.ID]
				if variant != nil {
					variantByID[rec.ID] = variant.ID
				}
			}
			job := NewEmailJob(c, rec, variant)
			entries = append(entries, queue.BulkEntry{
				Kind:    queue.KindEmail,
				Payload: job,
				Opts: queue.Options{
					Delay:          time.Duration(batch) * s.cfg.DelayBetweenBatches,
					IdempotencyKey: job.IdempotencyKey(),
				},
			})
			ids = append(ids, rec.ID)
		}

		n, err := s.jobs.EnqueueBulk(ctx, entries)
		queued += n
		if err != nil {
			return queued, fmt.Errorf("enqueue batch %d: %w", batch, err)
		}
		if err := s.recipients.MarkQueued(ctx, ids, variantByID); err != nil {
			return queued, err
		}

		if len(page) < s.cfg.BatchSize {
			return queued, nil
		}
		batch++
	}
}

// NewEmailJob builds the queue payload for one recipient. A non-nil
// variant's subject, from name, and HTML override the campaign's.
func NewEmailJob(c *domain.Campaign, rec *domain.Recipient, variant *domain.ABTestVariant) queue.EmailJob {
	job := queue.EmailJob{
		CampaignID:  c.ID,
		RecipientID: rec.ID,
		Email:       rec.Email,
		Subject:     c.Subject,
		HTMLContent: c.HTMLContent,
		TextContent: c.TextContent,
		FromName:    c.FromName,
		FromEmail:   c.FromEmail,
		ReplyTo:     c.ReplyTo,
		TrackingID:  rec.TrackingID,
		MergeFields: rec.MergeFields,
	}
	if c.SMTPConfigID != nil {
		job.SMTPConfigID = *c.SMTPConfigID
	}
	if variant != nil {
		job.VariantID = variant.ID
		if variant.Subject != "" {
			job.Subject = variant.Subject
		}
		if variant.FromName != "" {
			job.FromName = variant.FromName
		}
		if variant.HTMLContent != "" {
			job.HTMLContent = variant.HTMLContent
		}
	}
	return job
}

// ExpandPendingWithVariants is the split tester's entry into the batching
// engine. The campaign must already be sending.
func (s *Service) ExpandPendingWithVariants(ctx context.Context, c *domain.Campaign, variantContent map[string]*domain.ABTestVariant) (int, error) {
	return s.expandPending(ctx, c, variantContent)
}

// Pause suspends delivery. Jobs already claimed finish; everything else
// stays queued and the email worker requeues claims for paused campaigns.
func (s *Service) Pause(ctx context.Context, campaignID string) error {
	return s.repo.TransitionStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused)
}

// Resume continues a paused campaign.
func (s *Service) Resume(ctx context.Context, campaignID string) error {
	return s.repo.TransitionStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignSending)
}

// Cancel stops a campaign permanently: queued jobs that have not started
// are removed from the queue and unsent recipients are marked failed.
// Jobs already claimed by a worker run to completion; their late writes
// reconcile against the terminal status.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	err := s.repo.TransitionStatus(ctx, campaignID,
		[]domain.CampaignStatus{
			domain.CampaignDraft, domain.CampaignScheduled,
			domain.CampaignSending, domain.CampaignPaused,
		}, domain.CampaignCancelled)
	if err != nil {
		return err
	}

	removed, err := s.jobs.RemoveByCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("remove queued jobs: %w", err)
	}
	failed, err := s.recipients.FailUnsent(ctx, campaignID, "campaign cancelled")
	if err != nil {
		return err
	}

	s.log.Info().Str("campaign_id", campaignID).
		Int("jobs_removed", removed).Int("recipients_failed", failed).
		Msg("campaign cancelled")

	if s.notifier != nil {
		s.notifier.Notify(ctx, domain.EventCampaignCancelled, campaignID, map[string]any{
			"campaign_id":  campaignID,
			"cancelled_at": time.Now().UTC(),
		})
	}
	return nil
}

// RetryFailed moves failed recipients back to pending and expands them
// into fresh jobs. A completed campaign returns to sending for the pass.
func (s *Service) RetryFailed(ctx context.Context, campaignID string) (int, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	switch c.Status {
	case domain.CampaignSending, domain.CampaignPaused, domain.CampaignCompleted:
	default:
		return 0, ErrInvalidTransition
	}

	reset, err := s.recipients.ResetFailed(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if reset == 0 {
		return 0, nil
	}
	// Their earlier bounces no longer count against the campaign.
	if err := s.repo.DecrementBounced(ctx, campaignID, reset); err != nil {
		return 0, err
	}

	if c.Status == domain.CampaignCompleted {
		if err := s.repo.TransitionStatus(ctx, campaignID,
			[]domain.CampaignStatus{domain.CampaignCompleted}, domain.CampaignSending); err != nil {
			return 0, err
		}
	}
	return s.expandPending(ctx, c, nil)
}

// Status reports delivery progress for one campaign.
type Status struct {
	Campaign   *domain.Campaign               `json:"campaign"`
	Recipients map[domain.RecipientStatus]int `json:"recipients"`
	Queue      queue.Stats                    `json:"queue"`
	// ETASeconds estimates time to drain the campaign's unsent recipients
	// at the configured send rate. Zero when the rate is unknown.
	ETASeconds int64 `json:"eta_seconds"`
}

// Status returns delivery progress plus a coarse drain estimate.
func (s *Service) Status(ctx context.Context, campaignID string) (*Status, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.recipients.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.jobs.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{Campaign: c, Recipients: counts, Queue: stats}
	remaining := counts[domain.RecipientPending] + counts[domain.RecipientQueued]
	if remaining > 0 {
		if rate := s.observedRate(c); rate > 0 {
			st.ETASeconds = int64(float64(remaining) / rate)
		}
	}
	return st, nil
}

// observedRate is the campaign's measured sends per second since it
// started. Before the first send lands it falls back to the configured
// rate.
func (s *Service) observedRate(c *domain.Campaign) float64 {
	if c.SentCount > 0 && c.StartedAt != nil {
		if elapsed := time.Since(*c.StartedAt).Seconds(); elapsed > 0 {
			return float64(c.SentCount) / elapsed
		}
	}
	return s.cfg.SendRatePerSecond
}

// CheckAndComplete transitions a sending campaign to completed once no
// recipient is pending or queued. Safe to call repeatedly; only the call
// that wins the status guard fires the completion event.
func (s *Service) CheckAndComplete(ctx context.Context, campaignID string) (bool, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if c.Status != domain.CampaignSending {
		return false, nil
	}

	counts, err := s.recipients.CountByStatus(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if counts[domain.RecipientPending]+counts[domain.RecipientQueued] > 0 {
		return false, nil
	}

	err = s.repo.TransitionStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignCompleted)
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.log.Info().Str("campaign_id", campaignID).
		Int("sent", counts[domain.RecipientSent]).
		Int("failed", counts[domain.RecipientFailed]).
		Msg("campaign completed")

	if s.notifier != nil {
		s.notifier.Notify(ctx, domain.EventCampaignCompleted, campaignID, map[string]any{
			"campaign_id":  campaignID,
			"sent":         counts[domain.RecipientSent],
			"failed":       counts[domain.RecipientFailed],
			"completed_at": time.Now().UTC(),
		})
	}
	return true, nil
}

// Delete removes a draft or cancelled campaign.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
