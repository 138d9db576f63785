package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
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
	"github.com/flowmail/flowmail/internal/service/webhook"
)

// DeliveryLog records webhook delivery attempt outcomes.
type DeliveryLog interface {
	MarkProcessing(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id string, status domain.DeliveryStatus, statusCode int, response, errMsg string) error
}

// WebhookWorkerConfig tunes the webhook worker pool.
type WebhookWorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// RateLimitDefer is how long a job waits when the endpoint's rate
	// window is full.
	RateLimitDefer time.Duration
}

func (c WebhookWorkerConfig) withDefaults() WebhookWorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.RateLimitDefer <= 0 {
		c.RateLimitDefer = 5 * time.Second
	}
	return c
}

// WebhookWorker consumes the webhook queue. Each claim makes exactly one
// POST; the queue's delay table owns the retry schedule, the delivery row
// records every attempt.
type WebhookWorker struct {
	queue      *queue.Queue
	deliveries DeliveryLog
	limiter    ratelimit.AdmissionController
	client     *http.Client

	cfg      WebhookWorkerConfig
	workerID string
	log      zerolog.Logger

	delivered atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWebhookWorker creates a webhook worker pool.
func NewWebhookWorker(q *queue.Queue, deliveries DeliveryLog, limiter ratelimit.AdmissionController, cfg WebhookWorkerConfig) *WebhookWorker {
	return &WebhookWorker{
		queue:      q,
		deliveries: deliveries,
		limiter:    limiter,
		client:     &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg.withDefaults(),
		workerID:   "webhook-" + uuid.New().String()[:8],
		log:        logger.For("worker.webhook"),
	}
}

// Start launches the worker goroutines.
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("webhook worker already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.log.Info().Str("worker_id", w.workerID).
		Int("concurrency", w.cfg.Concurrency).Msg("webhook worker started")
	return nil
}

// Stop cancels the pool and waits for in-flight deliveries.
func (w *WebhookWorker) Stop() {
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
		Int64("delivered", w.delivered.Load()).Int64("failed", w.failed.Load()).
		Msg("webhook worker stopped")
}

func (w *WebhookWorker) loop(ctx context.Context) {
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

func (w *WebhookWorker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (w *WebhookWorker) process(ctx context.Context, job *queue.Job) {
	payload, err := queue.DecodeWebhookDelivery(job)
	if err != nil {
		if ferr := w.queue.FailTerminal(ctx, job, err.Error()); ferr != nil {
			w.log.Error().Err(ferr).Str("job_id", job.ID).Msg("terminal fail failed")
		}
		return
	}

	log := w.log.With().Str("job_id", job.ID).
		Str("delivery_id", payload.DeliveryID).
		Str("webhook_id", payload.WebhookID).Logger()

	// A signing secret that is gone by delivery time is a configuration
	// problem, not a transient one. No retry budget spent on it.
	if domain.WebhookAuthType(payload.AuthType) == domain.WebhookAuthHMAC && payload.Secret == "" {
		const msg = "webhook signing secret missing"
		w.recordAttempt(ctx, payload.DeliveryID, domain.DeliveryFailed, 0, "", msg)
		w.failed.Add(1)
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		if err := w.queue.FailTerminal(ctx, job, msg); err != nil {
			log.Error().Err(err).Msg("terminal fail failed")
		}
		return
	}

	// Per-endpoint admission control, so one slow consumer cannot eat
	// the whole pool's budget.
	if w.limiter != nil {
		allowed, retryAfter, err := w.limiter.Allow(ctx, "webhook:"+payload.WebhookID)
		if err != nil {
			log.Warn().Err(err).Msg("admission check errored, delivering anyway")
		} else if !allowed {
			delay := retryAfter
			if delay <= 0 {
				delay = w.cfg.RateLimitDefer
			}
			if _, err := w.queue.Release(ctx, job.ID, delay); err != nil {
				log.Error().Err(err).Msg("release rate limited job failed")
			}
			return
		}
	}

	// The row goes to processing only once the POST is committed to, so
	// a rate-limit release never strands a delivery in that state.
	if err := w.deliveries.MarkProcessing(ctx, payload.DeliveryID); err != nil {
		log.Warn().Err(err).Msg("mark processing failed")
	}

	status, body, err := w.post(ctx, &payload)

	if err == nil && status >= 200 && status < 300 {
		w.recordAttempt(ctx, payload.DeliveryID, domain.DeliveryDelivered, status, body, "")
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("complete failed")
			return
		}
		w.delivered.Add(1)
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		metrics.JobsProcessed.WithLabelValues(w.queue.Name(), "delivered").Inc()
		log.Debug().Int("status", status).Int("attempt", job.Attempts).Msg("webhook delivered")
		return
	}

	failure := fmt.Sprintf("status %d", status)
	if err != nil {
		failure = err.Error()
	}

	retry, qerr := w.queue.Fail(ctx, job, failure)
	if qerr != nil {
		log.Error().Err(qerr).Msg("fail failed")
		return
	}
	if retry {
		w.recordAttempt(ctx, payload.DeliveryID, domain.DeliveryRetrying, status, body, failure)
		metrics.WebhookDeliveries.WithLabelValues("retrying").Inc()
		metrics.JobsProcessed.WithLabelValues(w.queue.Name(), "retried").Inc()
		log.Warn().Int("status", status).Int("attempt", job.Attempts).Msg("webhook delivery failed, will retry")
		return
	}

	w.recordAttempt(ctx, payload.DeliveryID, domain.DeliveryFailed, status, body, failure)
	w.failed.Add(1)
	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	metrics.JobsProcessed.WithLabelValues(w.queue.Name(), "failed").Inc()
	log.Error().Int("status", status).Int("attempts", job.Attempts).Msg("webhook delivery exhausted")
}

// post makes one delivery attempt with the job's timeout and auth.
func (w *WebhookWorker) post(ctx context.Context, p *queue.WebhookDeliveryJob) (int, string, error) {
	timeout := time.Duration(p.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := []byte(p.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	headers := webhook.AuthHeaders(
		domain.WebhookAuthType(p.AuthType), p.AuthHeader, p.AuthValue, p.Secret,
		domain.EventType(p.Event), body, time.Now().UTC(),
	)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(snippet), nil
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, deliveryID string, status domain.DeliveryStatus, statusCode int, response, errMsg string) {
	if err := w.deliveries.RecordAttempt(ctx, deliveryID, status, statusCode, response, errMsg); err != nil {
		w.log.Error().Err(err).Str("delivery_id", deliveryID).Msg("record attempt failed")
	}
}

// Stats reports lifetime counters for the pool.
func (w *WebhookWorker) Stats() (delivered, failed int64) {
	return w.delivered.Load(), w.failed.Load()
}
