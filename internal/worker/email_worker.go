package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/metrics"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/ratelimit"
	"github.com/flowmail/flowmail/internal/render"
	"github.com/flowmail/flowmail/internal/service/campaign"
	"github.com/flowmail/flowmail/internal/transport"
)

// SMTPConfigStore resolves relay credentials for a send.
type SMTPConfigStore interface {
	Get(ctx context.Context, id string) (*domain.SMTPConfig, error)
	Default(ctx context.Context) (*domain.SMTPConfig, error)
	AnyActive(ctx context.Context) (*domain.SMTPConfig, error)
}

// EventLog appends delivery events.
type EventLog interface {
	Insert(ctx context.Context, e *domain.RecipientEvent) error
}

// VariantRecorder updates split-test counters for engagement events.
type VariantRecorder interface {
	RecordEvent(ctx context.Context, variantID string, event domain.EventType) error
}

// WinnerSelector runs the scheduled winner selection for a split test.
type WinnerSelector interface {
	AutoSelectWinner(ctx context.Context, testID string) error
}

// EmailWorkerConfig tunes the email worker pool.
type EmailWorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// RateLimitDefer is how long a job waits when the send window is full.
	RateLimitDefer time.Duration
	// PauseDefer is how long a job waits when its campaign is paused.
	PauseDefer time.Duration
}

func (c EmailWorkerConfig) withDefaults() EmailWorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.RateLimitDefer <= 0 {
		c.RateLimitDefer = time.Second
	}
	if c.PauseDefer <= 0 {
		c.PauseDefer = 30 * time.Second
	}
	return c
}

// EmailWorker consumes the email queue: it renders, instruments, and
// sends one message per job, then records the outcome on the recipient
// row and campaign counters.
type EmailWorker struct {
	queue      *queue.Queue
	campaigns  campaign.Repository
	recipients campaign.RecipientRepository
	smtp       SMTPConfigStore
	dialer     transport.Dialer
	renderer   *render.Renderer
	tracker    *render.Tracker
	limiter    ratelimit.AdmissionController
	events     EventLog
	variants   VariantRecorder
	winners    WinnerSelector
	notifier   campaign.Notifier

	cfg      EmailWorkerConfig
	workerID string
	log      zerolog.Logger

	sent     atomic.Int64
	failed   atomic.Int64
	deferred atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// EmailWorkerDeps bundles the collaborators of the email worker.
type EmailWorkerDeps struct {
	Queue      *queue.Queue
	Campaigns  campaign.Repository
	Recipients campaign.RecipientRepository
	SMTP       SMTPConfigStore
	Dialer     transport.Dialer
	Renderer   *render.Renderer
	Tracker    *render.Tracker
	Limiter    ratelimit.AdmissionController
	Events     EventLog
	Variants   VariantRecorder
	Winners    WinnerSelector
	Notifier   campaign.Notifier
}

// NewEmailWorker creates an email worker pool.
func NewEmailWorker(deps EmailWorkerDeps, cfg EmailWorkerConfig) *EmailWorker {
	return &EmailWorker{
		queue:      deps.Queue,
		campaigns:  deps.Campaigns,
		recipients: deps.Recipients,
		smtp:       deps.SMTP,
		dialer:     deps.Dialer,
		renderer:   deps.Renderer,
		tracker:    deps.Tracker,
		limiter:    deps.Limiter,
		events:     deps.Events,
		variants:   deps.Variants,
		winners:    deps.Winners,
		notifier:   deps.Notifier,
		cfg:        cfg.withDefaults(),
		workerID:   "email-" + uuid.New().String()[:8],
		log:        logger.For("worker.email"),
	}
}

// Start launches the worker goroutines.
func (w *EmailWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("email worker already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.log.Info().Str("worker_id", w.workerID).
		Int("concurrency", w.cfg.Concurrency).Msg("email worker started")
	return nil
}

// Stop cancels the pool and waits for in-flight jobs to finish.
func (w *EmailWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().Str("worker_id", w.workerID).
		Int64("sent", w.sent.Load()).Int64("failed", w.failed.Load()).
		Msg("email worker stopped")
}

func (w *EmailWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("claim failed")
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		stop := keepAlive(ctx, w.queue, job.ID, w.log)
		w.process(ctx, job)
		stop()
	}
}

func (w *EmailWorker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (w *EmailWorker) process(ctx context.Context, job *queue.Job) {
	switch job.Kind {
	case queue.KindEmail:
		w.processEmail(ctx, job)
	case queue.KindABTestWinner:
		w.processWinnerSelection(ctx, job)
	default:
		// Unknown payloads are terminal: retrying cannot fix them.
		w.log.Error().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("unknown job kind")
		w.failTerminal(ctx, job, fmt.Sprintf("unknown job kind %q", job.Kind))
	}
}

func (w *EmailWorker) processEmail(ctx context.Context, job *queue.Job) {
	payload, err := queue.DecodeEmail(job)
	if err != nil {
		w.failTerminal(ctx, job, err.Error())
		return
	}

	log := w.log.With().Str("job_id", job.ID).
		Str("campaign_id", payload.CampaignID).
		Str("email", logger.RedactEmail(payload.Email)).Logger()

	// Campaign status gate. Cancelled campaigns discard the job, paused
	// ones put it back without spending the attempt.
	c, err := w.campaigns.Get(ctx, payload.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		log.Warn().Msg("campaign gone, discarding job")
		w.complete(ctx, job, "discarded")
		return
	}
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("load campaign: %v", err))
		return
	}
	switch c.Status {
	case domain.CampaignCancelled, domain.CampaignCompleted:
		log.Debug().Str("status", string(c.Status)).Msg("campaign closed, discarding job")
		w.complete(ctx, job, "discarded")
		return
	case domain.CampaignPaused:
		if _, err := w.queue.Release(ctx, job.ID, w.cfg.PauseDefer); err != nil {
			log.Error().Err(err).Msg("release paused job failed")
		}
		return
	}

	// Admission control. A full window is not a failure; the job comes
	// back when the window has room.
	allowed, retryAfter, err := w.limiter.Allow(ctx, "smtp:"+smtpKey(payload))
	if err != nil {
		log.Warn().Err(err).Msg("admission check errored, sending anyway")
	} else if !allowed {
		w.deferred.Add(1)
		metrics.RateLimited.Inc()
		delay := retryAfter
		if delay <= 0 {
			delay = w.cfg.RateLimitDefer
		}
		if _, err := w.queue.Release(ctx, job.ID, delay); err != nil {
			log.Error().Err(err).Msg("release rate limited job failed")
		}
		return
	}

	cfg, err := w.resolveSMTP(ctx, payload.SMTPConfigID)
	if err != nil {
		// No usable relay is a configuration problem, not a transient
		// one. The recipient carries the failure so the campaign can
		// still complete.
		msg := fmt.Sprintf("resolve smtp config: %v", err)
		w.failTerminal(ctx, job, msg)
		w.recordFailure(ctx, &payload, msg)
		return
	}

	msg, err := w.buildMessage(&payload)
	if err != nil {
		// Render errors are deterministic; a retry would fail the same way.
		w.failTerminal(ctx, job, fmt.Sprintf("render: %v", err))
		w.recordFailure(ctx, &payload, fmt.Sprintf("render: %v", err))
		return
	}

	result, err := w.dialer.Dial(cfg).Send(ctx, msg)
	if err != nil || !result.Success {
		sendErr := err
		if sendErr == nil {
			sendErr = result.Err
		}
		w.fail(ctx, job, sendErr.Error())
		if job.FinalAttempt() {
			w.recordFailure(ctx, &payload, sendErr.Error())
		}
		return
	}

	w.recordSuccess(ctx, &payload)
	w.complete(ctx, job, "sent")
	log.Debug().Msg("email sent")
}

// smtpKey scopes the rate window per relay config; jobs without a pinned
// config share the default window.
func smtpKey(p queue.EmailJob) string {
	if p.SMTPConfigID != "" {
		return p.SMTPConfigID
	}
	return "default"
}

// resolveSMTP picks the relay: the campaign's pinned config, then the
// default, then any active one.
func (w *EmailWorker) resolveSMTP(ctx context.Context, configID string) (*domain.SMTPConfig, error) {
	if configID != "" {
		cfg, err := w.smtp.Get(ctx, configID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, campaign.ErrNotFound) {
			return nil, err
		}
	}
	cfg, err := w.smtp.Default(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, campaign.ErrNotFound) {
		return nil, err
	}
	cfg, err = w.smtp.AnyActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("no active smtp config")
	}
	return cfg, nil
}

func (w *EmailWorker) buildMessage(p *queue.EmailJob) (*transport.Message, error) {
	fields := map[string]any{"email": p.Email}
	for k, v := range p.MergeFields {
		fields[k] = v
	}

	subject, err := w.renderer.Render(p.Subject, fields)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	html, err := w.renderer.Render(p.HTMLContent, fields)
	if err != nil {
		return nil, fmt.Errorf("html body: %w", err)
	}
	text, err := w.renderer.Render(p.TextContent, fields)
	if err != nil {
		return nil, fmt.Errorf("text body: %w", err)
	}
	if w.tracker != nil {
		html = w.tracker.Instrument(html, p.TrackingID)
	}

	from := p.FromEmail
	if p.FromName != "" {
		from = fmt.Sprintf("%s <%s>", p.FromName, p.FromEmail)
	}
	return &transport.Message{
		From:    from,
		To:      p.Email,
		ReplyTo: p.ReplyTo,
		Subject: subject,
		HTML:    html,
		Text:    text,
	}, nil
}

// recordSuccess applies the idempotent success writes. The recipient
// status guard decides whether this job run owns the send; a re-run of
// an already-recorded job changes nothing.
func (w *EmailWorker) recordSuccess(ctx context.Context, p *queue.EmailJob) {
	won, err := w.recipients.MarkSent(ctx, p.RecipientID)
	if err != nil {
		w.log.Error().Err(err).Str("recipient_id", p.RecipientID).Msg("mark sent failed")
		return
	}
	if !won {
		return
	}

	w.sent.Add(1)
	metrics.EmailsSent.Inc()

	if err := w.campaigns.IncrementSent(ctx, p.CampaignID); err != nil {
		w.log.Error().Err(err).Str("campaign_id", p.CampaignID).Msg("increment sent failed")
	}
	if p.VariantID != "" && w.variants != nil {
		if err := w.variants.RecordEvent(ctx, p.VariantID, domain.EventEmailSent); err != nil {
			w.log.Error().Err(err).Str("variant_id", p.VariantID).Msg("variant counter failed")
		}
	}
	if w.events != nil {
		w.appendEvent(ctx, p, domain.EventEmailSent)
	}
	if w.notifier != nil {
		w.notifier.Notify(ctx, domain.EventEmailSent, p.CampaignID, map[string]any{
			"campaign_id":  p.CampaignID,
			"recipient_id": p.RecipientID,
			"email":        p.Email,
		})
	}
}

// recordFailure applies the terminal-failure writes.
func (w *EmailWorker) recordFailure(ctx context.Context, p *queue.EmailJob, message string) {
	won, err := w.recipients.MarkFailed(ctx, p.RecipientID, message)
	if err != nil {
		w.log.Error().Err(err).Str("recipient_id", p.RecipientID).Msg("mark failed failed")
		return
	}
	if !won {
		return
	}

	w.failed.Add(1)
	metrics.EmailsFailed.Inc()

	if err := w.campaigns.IncrementBounced(ctx, p.CampaignID); err != nil {
		w.log.Error().Err(err).Str("campaign_id", p.CampaignID).Msg("increment bounced failed")
	}
	if p.VariantID != "" && w.variants != nil {
		if err := w.variants.RecordEvent(ctx, p.VariantID, domain.EventEmailBounced); err != nil {
			w.log.Error().Err(err).Str("variant_id", p.VariantID).Msg("variant counter failed")
		}
	}
	if w.events != nil {
		w.appendEvent(ctx, p, domain.EventEmailBounced)
	}
	if w.notifier != nil {
		w.notifier.Notify(ctx, domain.EventEmailBounced, p.CampaignID, map[string]any{
			"campaign_id":  p.CampaignID,
			"recipient_id": p.RecipientID,
			"email":        p.Email,
			"error":        message,
		})
	}
}

func (w *EmailWorker) appendEvent(ctx context.Context, p *queue.EmailJob, event domain.EventType) {
	e := &domain.RecipientEvent{
		CampaignID:  p.CampaignID,
		RecipientID: p.RecipientID,
		Type:        event,
	}
	if p.VariantID != "" {
		v := p.VariantID
		e.VariantID = &v
	}
	if err := w.events.Insert(ctx, e); err != nil {
		w.log.Error().Err(err).Str("recipient_id", p.RecipientID).Msg("append event failed")
	}
}

func (w *EmailWorker) processWinnerSelection(ctx context.Context, job *queue.Job) {
	payload, err := queue.DecodeWinnerSelection(job)
	if err != nil {
		w.failTerminal(ctx, job, err.Error())
		return
	}
	if w.winners == nil {
		w.failTerminal(ctx, job, "no winner selector configured")
		return
	}
	if err := w.winners.AutoSelectWinner(ctx, payload.TestID); err != nil {
		w.fail(ctx, job, fmt.Sprintf("select winner: %v", err))
		return
	}
	w.complete(ctx, job, "winner_selected")
}

func (w *EmailWorker) complete(ctx context.Context, job *queue.Job, result string) {
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("complete failed")
		return
	}
	metrics.JobsProcessed.WithLabelValues(w.queue.Name(), result).Inc()
}

func (w *EmailWorker) fail(ctx context.Context, job *queue.Job, message string) {
	retry, err := w.queue.Fail(ctx, job, message)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("fail failed")
		return
	}
	result := "failed"
	if retry {
		result = "retried"
	}
	metrics.JobsProcessed.WithLabelValues(w.queue.Name(), result).Inc()
}

func (w *EmailWorker) failTerminal(ctx context.Context, job *queue.Job, message string) {
	if err := w.queue.FailTerminal(ctx, job, message); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("terminal fail failed")
		return
	}
	metrics.JobsProcessed.WithLabelValues(w.queue.Name(), "failed").Inc()
}

// Stats reports lifetime counters for the pool.
func (w *EmailWorker) Stats() (sent, failed, deferred int64) {
	return w.sent.Load(), w.failed.Load(), w.deferred.Load()
}
