package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/pkg/httpretry"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/queue"
)

// Service owns webhook subscriptions and event dispatch.
type Service struct {
	repo      Repository
	campaigns CampaignGetter
	jobs      Enqueuer
	box       *Box
	client    *httpretry.Client
	log       zerolog.Logger
}

// NewService creates a webhook service. box encrypts stored credentials.
func NewService(repo Repository, campaigns CampaignGetter, jobs Enqueuer, box *Box) *Service {
	return &Service{
		repo:      repo,
		campaigns: campaigns,
		jobs:      jobs,
		box:       box,
		client:    httpretry.New(httpretry.Config{MaxRetries: 2, Timeout: 10 * time.Second}),
		log:       logger.For("webhook"),
	}
}

// Create validates and persists a webhook. The stored credential is
// encrypted; an HMAC webhook without a secret gets a generated one,
// returned to the caller exactly once on the created value.
func (s *Service) Create(ctx context.Context, w *domain.Webhook) (*domain.Webhook, error) {
	if err := validate(w); err != nil {
		return nil, err
	}
	if w.TimeoutSecs <= 0 {
		w.TimeoutSecs = 10
	}
	if w.MaxRetries < 0 {
		w.MaxRetries = 0
	}

	if w.AuthType == domain.WebhookAuthHMAC && w.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		w.Secret = secret
	}

	stored := *w
	enc, err := s.box.Encrypt(w.AuthValue)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	stored.AuthValue = enc

	id, err := s.repo.Create(ctx, &stored)
	if err != nil {
		return nil, err
	}
	w.ID = id
	return w, nil
}

// Update replaces a webhook's mutable fields. An empty AuthValue keeps
// the stored credential.
func (s *Service) Update(ctx context.Context, w *domain.Webhook) error {
	if err := validate(w); err != nil {
		return err
	}
	existing, err := s.repo.Get(ctx, w.ID)
	if err != nil {
		return err
	}
	if w.AuthValue == "" {
		w.AuthValue = existing.AuthValue
	} else {
		enc, err := s.box.Encrypt(w.AuthValue)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
		w.AuthValue = enc
	}
	return s.repo.Update(ctx, w)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, userID string) ([]domain.Webhook, error) {
	return s.repo.List(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

func validate(w *domain.Webhook) error {
	if w.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
		return fmt.Errorf("url must be http or https")
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// Event is one dispatched lifecycle event.
type Event struct {
	Type       domain.EventType `json:"type"`
	CampaignID string           `json:"campaign_id,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	Data       any              `json:"data,omitempty"`
}

// Notify implements campaign.Notifier. Failures are logged, never
// propagated; event dispatch must not fail the operation that caused it.
func (s *Service) Notify(ctx context.Context, event domain.EventType, campaignID string, payload any) {
	if _, err := s.Dispatch(ctx, event, campaignID, payload); err != nil {
		s.log.Error().Err(err).Str("event", string(event)).
			Str("campaign_id", campaignID).Msg("event dispatch failed")
	}
}

// Dispatch fans one event out to every matching active webhook: a
// delivery row is created per match and a delivery job queued with the
// webhook's decrypted credential. Returns the number of deliveries.
func (s *Service) Dispatch(ctx context.Context, event domain.EventType, campaignID string, payload any) (int, error) {
	hooks, err := s.repo.ListActive(ctx, event)
	if err != nil {
		return 0, err
	}
	if len(hooks) == 0 {
		return 0, nil
	}

	var listID string
	if campaignID != "" && s.campaigns != nil {
		if c, err := s.campaigns.Get(ctx, campaignID); err == nil && c.ListID != nil {
			listID = *c.ListID
		}
	}

	body, err := json.Marshal(Event{
		Type:       event,
		CampaignID: campaignID,
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	dispatched := 0
	for i := range hooks {
		w := &hooks[i]
		if !w.MatchesCampaign(campaignID) || !w.MatchesList(listID) {
			continue
		}
		if err := s.enqueueDelivery(ctx, w, event, string(body)); err != nil {
			s.log.Error().Err(err).Str("webhook_id", w.ID).Msg("enqueue delivery failed")
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *Service) enqueueDelivery(ctx context.Context, w *domain.Webhook, event domain.EventType, payload string) error {
	deliveryID, err := s.repo.CreateDelivery(ctx, &domain.WebhookDelivery{
		WebhookID: w.ID,
		Event:     event,
		Payload:   payload,
		Status:    domain.DeliveryPending,
	})
	if err != nil {
		return err
	}

	authValue, err := s.box.Decrypt(w.AuthValue)
	if err != nil {
		return fmt.Errorf("decrypt credential: %w", err)
	}

	job := queue.WebhookDeliveryJob{
		DeliveryID:  deliveryID,
		WebhookID:   w.ID,
		URL:         w.URL,
		Event:       string(event),
		Payload:     payload,
		AuthType:    string(w.AuthType),
		AuthHeader:  w.AuthHeader,
		AuthValue:   authValue,
		Secret:      w.Secret,
		TimeoutSecs: w.TimeoutSecs,
		MaxRetries:  w.MaxRetries,
	}
	_, err = s.jobs.Enqueue(ctx, queue.KindWebhookDelivery, job, queue.Options{
		IdempotencyKey: job.IdempotencyKey(),
		MaxAttempts:    w.MaxRetries + 1,
	})
	return err
}

// RetryDelivery requeues a failed delivery. The attempt budget starts
// over; the delivery row keeps accumulating attempts.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID string) error {
	d, err := s.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	w, err := s.repo.Get(ctx, d.WebhookID)
	if err != nil {
		return err
	}
	if err := s.repo.ResetDelivery(ctx, deliveryID); err != nil {
		return err
	}

	authValue, err := s.box.Decrypt(w.AuthValue)
	if err != nil {
		return fmt.Errorf("decrypt credential: %w", err)
	}
	job := queue.WebhookDeliveryJob{
		DeliveryID:  d.ID,
		WebhookID:   w.ID,
		URL:         w.URL,
		Event:       string(d.Event),
		Payload:     d.Payload,
		AuthType:    string(w.AuthType),
		AuthHeader:  w.AuthHeader,
		AuthValue:   authValue,
		Secret:      w.Secret,
		TimeoutSecs: w.TimeoutSecs,
		MaxRetries:  w.MaxRetries,
	}
	// A fresh idempotency key per manual retry; the original key still
	// points at the exhausted job.
	_, err = s.jobs.Enqueue(ctx, queue.KindWebhookDelivery, job, queue.Options{
		IdempotencyKey: fmt.Sprintf("%s:retry:%d", job.IdempotencyKey(), time.Now().UnixNano()),
		MaxAttempts:    w.MaxRetries + 1,
	})
	return err
}

// TestResult is the synchronous outcome of a test ping.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Test sends a synchronous test event to the webhook endpoint without
// touching the delivery log.
func (s *Service) Test(ctx context.Context, webhookID string) (*TestResult, error) {
	w, err := s.repo.Get(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	authValue, err := s.box.Decrypt(w.AuthValue)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}

	body, _ := json.Marshal(Event{
		Type:       "webhook.test",
		OccurredAt: time.Now().UTC(),
		Data:       map[string]string{"webhook_id": w.ID, "name": w.Name},
	})

	headers := AuthHeaders(w.AuthType, w.AuthHeader, authValue, w.Secret,
		"webhook.test", body, time.Now().UTC())

	start := time.Now()
	status, resp, err := s.client.PostJSON(ctx, w.URL, body, headers)
	result := &TestResult{
		StatusCode: status,
		Response:   truncate(resp, 512),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = status >= 200 && status < 300
	if !result.Success {
		result.Error = http.StatusText(status)
	}
	return result, nil
}

// Deliveries lists recent deliveries for one webhook.
func (s *Service) Deliveries(ctx context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, error) {
	return s.repo.ListDeliveries(ctx, webhookID, limit, offset)
}

// Stats aggregates delivery outcomes over the trailing window.
func (s *Service) Stats(ctx context.Context, webhookID string, window time.Duration) (*DeliveryStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.repo.DeliveryStats(ctx, webhookID, time.Now().Add(-window))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
