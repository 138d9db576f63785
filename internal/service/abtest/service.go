package abtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/service/campaign"
)

// Config tunes how the split tester expands recipients into jobs.
type Config struct {
	BatchSize           int
	DelayBetweenBatches time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Service runs content split tests on top of the campaign pipeline.
type Service struct {
	tests      Repository
	campaigns  campaign.Repository
	recipients campaign.RecipientRepository
	jobs       Enqueuer
	notifier   campaign.Notifier
	cfg        Config
	log        zerolog.Logger

	// shuffle is swappable so tests get a deterministic split.
	shuffle func(n int, swap func(i, j int))
}

// NewService creates an A/B test service.
func NewService(tests Repository, campaigns campaign.Repository, recipients campaign.RecipientRepository, jobs Enqueuer, notifier campaign.Notifier, cfg Config) *Service {
	return &Service{
		tests:      tests,
		campaigns:  campaigns,
		recipients: recipients,
		jobs:       jobs,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		log:        logger.For("abtest"),
		shuffle:    rand.Shuffle,
	}
}

// CreateInput holds the fields for creating a test.
type CreateInput struct {
	CampaignID        string                 `json:"campaign_id"`
	SampleSizePercent int                    `json:"sample_size_percent"`
	WinnerCriteria    domain.WinnerCriteria  `json:"winner_criteria"`
	TestDurationHours int                    `json:"test_duration_hours"`
	AutoSelectWinner  bool                   `json:"auto_select_winner"`
	Variants          []domain.ABTestVariant `json:"variants"`
}

// Create validates and persists a draft test with its variants.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.ABTest, error) {
	if len(input.Variants) < 2 {
		return nil, ErrTooFewVariants
	}
	if input.SampleSizePercent < 1 || input.SampleSizePercent > 100 {
		return nil, fmt.Errorf("sample_size_percent must be between 1 and 100")
	}
	if _, err := s.campaigns.Get(ctx, input.CampaignID); err != nil {
		return nil, err
	}

	criteria := input.WinnerCriteria
	if criteria == "" {
		criteria = domain.WinnerByOpenRate
	}
	duration := input.TestDurationHours
	if duration <= 0 {
		duration = 4
	}

	t := &domain.ABTest{
		CampaignID:        input.CampaignID,
		SampleSizePercent: input.SampleSizePercent,
		WinnerCriteria:    criteria,
		TestDurationHours: duration,
		AutoSelectWinner:  input.AutoSelectWinner,
		Status:            domain.ABTestDraft,
	}
	id, err := s.tests.Create(ctx, t, input.Variants)
	if err != nil {
		return nil, err
	}
	t.ID = id
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.ABTest, error) {
	return s.tests.Get(ctx, id)
}

// Start begins the test: the sample slice of recipients is split across
// the variants and queued with each variant's content, the rest stay
// pending until a winner is known. When auto-select is on, a delayed
// winner-selection job is scheduled for the end of the test window.
//
// Returns the number of sample jobs queued.
func (s *Service) Start(ctx context.Context, testID string) (int, error) {
	t, err := s.tests.Get(ctx, testID)
	if err != nil {
		return 0, err
	}
	if t.Status != domain.ABTestDraft {
		return 0, ErrInvalidTransition
	}

	c, err := s.campaigns.Get(ctx, t.CampaignID)
	if err != nil {
		return 0, err
	}
	if !c.Startable() {
		return 0, campaign.ErrNotStartable
	}

	variants, err := s.tests.Variants(ctx, testID)
	if err != nil {
		return 0, err
	}
	if len(variants) < 2 {
		return 0, ErrTooFewVariants
	}

	ids, err := s.pendingIDs(ctx, t.CampaignID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, campaign.ErrNoRecipients
	}

	assignment := s.split(ids, t.SampleSizePercent, len(variants))

	if err := s.campaigns.TransitionStatus(ctx, t.CampaignID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled},
		domain.CampaignSending); err != nil {
		return 0, err
	}
	if err := s.tests.MarkRunning(ctx, testID); err != nil {
		return 0, err
	}
	if err := s.campaigns.SetTotalRecipients(ctx, t.CampaignID, len(ids)); err != nil {
		return 0, err
	}

	queued := 0
	for vi := range variants {
		v := &variants[vi]
		n, err := s.queueForVariant(ctx, c, v, assignment[vi])
		queued += n
		if err != nil {
			return queued, err
		}
	}

	if t.AutoSelectWinner {
		delay := time.Duration(t.TestDurationHours) * time.Hour
		job := queue.WinnerSelectionJob{
			TestID:      t.ID,
			CampaignID:  t.CampaignID,
			ScheduledAt: time.Now().UTC().Add(delay),
		}
		if _, err := s.jobs.Enqueue(ctx, queue.KindABTestWinner, job, queue.Options{
			Delay:          delay,
			IdempotencyKey: job.IdempotencyKey(),
		}); err != nil {
			return queued, fmt.Errorf("schedule winner selection: %w", err)
		}
	}

	s.log.Info().Str("test_id", testID).Str("campaign_id", t.CampaignID).
		Int("sample", queued).Int("holdout", len(ids)-queued).
		Msg("ab test started")
	return queued, nil
}

// pendingIDs pages every pending recipient ID for the campaign.
func (s *Service) pendingIDs(ctx context.Context, campaignID string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		page, err := s.recipients.PagePending(ctx, campaignID, cursor, s.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return ids, nil
		}
		for i := range page {
			ids = append(ids, page[i].ID)
		}
		cursor = page[len(page)-1].ID
		if len(page) < s.cfg.BatchSize {
			return ids, nil
		}
	}
}

// split shuffles the recipient IDs and deals the sample into one
// contiguous slice per variant. Sample size rounds up, as does the
// per-variant share, so every variant gets at least one recipient
// whenever the sample is non-empty.
func (s *Service) split(ids []string, samplePercent, variants int) [][]string {
	shuffled := make([]string, len(ids))
	copy(shuffled, ids)
	s.shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	sampleSize := (len(ids)*samplePercent + 99) / 100
	if sampleSize > len(ids) {
		sampleSize = len(ids)
	}
	perVariant := (sampleSize + variants - 1) / variants

	out := make([][]string, variants)
	pos := 0
	for v := 0; v < variants && pos < sampleSize; v++ {
		end := pos + perVariant
		if end > sampleSize {
			end = sampleSize
		}
		out[v] = shuffled[pos:end]
		pos = end
	}
	return out
}

// queueForVariant queues one variant's sample slice in staggered batches.
func (s *Service) queueForVariant(ctx context.Context, c *domain.Campaign, v *domain.ABTestVariant, recipientIDs []string) (int, error) {
	queued := 0
	for batch := 0; batch*s.cfg.BatchSize < len(recipientIDs); batch++ {
		start := batch * s.cfg.BatchSize
		end := start + s.cfg.BatchSize
		if end > len(recipientIDs) {
			end = len(recipientIDs)
		}
		chunk := recipientIDs[start:end]

		entries := make([]queue.BulkEntry, 0, len(chunk))
		variantByID := make(map[string]string, len(chunk))
		for _, id := range chunk {
			rec, err := s.recipients.Get(ctx, id)
			if err != nil {
				return queued, err
			}
			job := campaign.NewEmailJob(c, rec, v)
			entries = append(entries, queue.BulkEntry{
				Kind:    queue.KindEmail,
				Payload: job,
				Opts: queue.Options{
					Delay:          time.Duration(batch) * s.cfg.DelayBetweenBatches,
					IdempotencyKey: job.IdempotencyKey(),
				},
			})
			variantByID[id] = v.ID
		}

		n, err := s.jobs.EnqueueBulk(ctx, entries)
		queued += n
		if err != nil {
			return queued, fmt.Errorf("enqueue variant %s batch %d: %w", v.Name, batch, err)
		}
		if err := s.recipients.MarkQueued(ctx, chunk, variantByID); err != nil {
			return queued, err
		}
	}
	return queued, nil
}

// SelectWinner records an explicitly chosen winner and rolls its content
// out to the holdout. The running guard in the store makes a duplicate
// selection a clean no-op.
func (s *Service) SelectWinner(ctx context.Context, testID, variantID string) error {
	variants, err := s.tests.Variants(ctx, testID)
	if err != nil {
		return err
	}
	var winner *domain.ABTestVariant
	for i := range variants {
		if variants[i].ID == variantID {
			winner = &variants[i]
			break
		}
	}
	if winner == nil {
		return fmt.Errorf("variant %s does not belong to test %s", variantID, testID)
	}
	return s.finishWithWinner(ctx, testID, winner)
}

// AutoSelectWinner picks the variant with the best rate for the test's
// criteria. Ties, including the everything-at-zero case, go to the
// earliest variant in sort order.
func (s *Service) AutoSelectWinner(ctx context.Context, testID string) error {
	t, err := s.tests.Get(ctx, testID)
	if err != nil {
		return err
	}
	if t.Status == domain.ABTestCompleted {
		// A manual selection beat the scheduled one.
		return nil
	}
	if t.Status != domain.ABTestRunning {
		return ErrNotRunning
	}

	variants, err := s.tests.Variants(ctx, testID)
	if err != nil {
		return err
	}
	if len(variants) == 0 {
		return ErrTooFewVariants
	}

	winner := &variants[0]
	best := winner.Rate(t.WinnerCriteria)
	for i := 1; i < len(variants); i++ {
		if r := variants[i].Rate(t.WinnerCriteria); r > best {
			winner = &variants[i]
			best = r
		}
	}
	return s.finishWithWinner(ctx, testID, winner)
}

func (s *Service) finishWithWinner(ctx context.Context, testID string, winner *domain.ABTestVariant) error {
	err := s.tests.SetWinner(ctx, testID, winner.ID)
	if errors.Is(err, ErrAlreadyCompleted) {
		return nil
	}
	if err != nil {
		return err
	}

	t, err := s.tests.Get(ctx, testID)
	if err != nil {
		return err
	}

	s.log.Info().Str("test_id", testID).Str("winner_id", winner.ID).
		Str("variant", winner.Name).Msg("ab test winner selected")

	if s.notifier != nil {
		s.notifier.Notify(ctx, domain.EventABTestWinner, t.CampaignID, map[string]any{
			"test_id":     testID,
			"campaign_id": t.CampaignID,
			"winner_id":   winner.ID,
			"winner_name": winner.Name,
			"criteria":    t.WinnerCriteria,
		})
	}

	if _, err := s.sendToRemaining(ctx, t, winner); err != nil {
		return fmt.Errorf("roll out winner: %w", err)
	}
	return nil
}

// sendToRemaining queues the holdout with the winner's content.
func (s *Service) sendToRemaining(ctx context.Context, t *domain.ABTest, winner *domain.ABTestVariant) (int, error) {
	c, err := s.campaigns.Get(ctx, t.CampaignID)
	if err != nil {
		return 0, err
	}
	switch c.Status {
	case domain.CampaignCancelled, domain.CampaignCompleted:
		// Nothing left to roll out to.
		return 0, nil
	}

	queued := 0
	batch := 0
	cursor := ""
	for {
		page, err := s.recipients.PagePending(ctx, t.CampaignID, cursor, s.cfg.BatchSize)
		if err != nil {
			return queued, err
		}
		if len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID

		entries := make([]queue.BulkEntry, 0, len(page))
		ids := make([]string, 0, len(page))
		variantByID := make(map[string]string, len(page))
		for i := range page {
			rec := &page[i]
			job := campaign.NewEmailJob(c, rec, winner)
			entries = append(entries, queue.BulkEntry{
				Kind:    queue.KindEmail,
				Payload: job,
				Opts: queue.Options{
					Delay:          time.Duration(batch) * s.cfg.DelayBetweenBatches,
					IdempotencyKey: job.IdempotencyKey(),
				},
			})
			ids = append(ids, rec.ID)
			variantByID[rec.ID] = winner.ID
		}

		n, err := s.jobs.EnqueueBulk(ctx, entries)
		queued += n
		if err != nil {
			return queued, err
		}
		if err := s.recipients.MarkQueued(ctx, ids, variantByID); err != nil {
			return queued, err
		}
		if len(page) < s.cfg.BatchSize {
			break
		}
		batch++
	}

	s.log.Info().Str("test_id", t.ID).Int("holdout_queued", queued).Msg("winner rolled out")
	return queued, nil
}

// RecordEvent bumps the variant counter matching an engagement event.
func (s *Service) RecordEvent(ctx context.Context, variantID string, event domain.EventType) error {
	return s.tests.IncrementVariantCounter(ctx, variantID, event)
}

// VariantResult pairs a variant with its computed rate.
type VariantResult struct {
	domain.ABTestVariant
	Rate     float64 `json:"rate"`
	IsWinner bool    `json:"is_winner"`
}

// Results reports the test with per-variant rates for its criteria.
type Results struct {
	Test     *domain.ABTest  `json:"test"`
	Variants []VariantResult `json:"variants"`
}

// Results returns the current standings of a test.
func (s *Service) Results(ctx context.Context, testID string) (*Results, error) {
	t, err := s.tests.Get(ctx, testID)
	if err != nil {
		return nil, err
	}
	variants, err := s.tests.Variants(ctx, testID)
	if err != nil {
		return nil, err
	}

	out := &Results{Test: t}
	for _, v := range variants {
		vr := VariantResult{ABTestVariant: v, Rate: v.Rate(t.WinnerCriteria)}
		if t.WinnerID != nil && *t.WinnerID == v.ID {
			vr.IsWinner = true
		}
		out.Variants = append(out.Variants, vr)
	}
	return out, nil
}
