package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/service/webhook"
)

type attemptRecord struct {
	deliveryID string
	status     domain.DeliveryStatus
	statusCode int
	errMsg     string
}

type fakeDeliveryLog struct {
	mu         sync.Mutex
	processing []string
	attempts   []attemptRecord
}

func (f *fakeDeliveryLog) MarkProcessing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = append(f.processing, id)
	return nil
}

func (f *fakeDeliveryLog) marked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processing...)
}

func (f *fakeDeliveryLog) RecordAttempt(_ context.Context, id string, status domain.DeliveryStatus, statusCode int, _, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attemptRecord{
		deliveryID: id, status: status, statusCode: statusCode, errMsg: errMsg,
	})
	return nil
}

func (f *fakeDeliveryLog) all() []attemptRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attemptRecord(nil), f.attempts...)
}

func testDeliveryPayload(url string) queue.WebhookDeliveryJob {
	return queue.WebhookDeliveryJob{
		DeliveryID: "d1",
		WebhookID:  "wh1",
		URL:        url,
		Event:      string(domain.EventEmailSent),
		Payload:    `{"type":"email.sent","campaign_id":"c1"}`,
		AuthType:   string(domain.WebhookAuthHMAC),
		Secret:     "whsec_test",
		MaxRetries: 2,
	}
}

func TestWebhookDeliverySignsAndRecords(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  string
		gotSig   string
		gotTS    string
		gotEvent string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(body)
		gotSig = r.Header.Get(webhook.HeaderSignature)
		gotTS = r.Header.Get(webhook.HeaderTimestamp)
		gotEvent = r.Header.Get(webhook.HeaderEvent)
		mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, "webhook", queue.Policy{})
	deliveries := &fakeDeliveryLog{}
	w := NewWebhookWorker(q, deliveries, nil, WebhookWorkerConfig{})
	ctx := context.Background()

	p := testDeliveryPayload(srv.URL)
	_, err := q.Enqueue(ctx, queue.KindWebhookDelivery, p, queue.Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)

	w.process(ctx, claimOne(t, q))

	mu.Lock()
	assert.Equal(t, p.Payload, gotBody)
	assert.Equal(t, string(domain.EventEmailSent), gotEvent)
	assert.NotEmpty(t, gotTS)
	assert.Contains(t, gotSig, "sha256=")
	mu.Unlock()

	assert.Equal(t, []string{"d1"}, deliveries.marked(), "delivery is flagged processing while the POST is in flight")
	attempts := deliveries.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, "d1", attempts[0].deliveryID)
	assert.Equal(t, domain.DeliveryDelivered, attempts[0].status)
	assert.Equal(t, http.StatusOK, attempts[0].statusCode)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)

	delivered, failed := w.Stats()
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, int64(0), failed)
}

func TestWebhookDeliveryMissingSecretIsTerminal(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		hits++
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, "webhook", queue.Policy{MaxAttempts: 3})
	deliveries := &fakeDeliveryLog{}
	w := NewWebhookWorker(q, deliveries, nil, WebhookWorkerConfig{})
	ctx := context.Background()

	p := testDeliveryPayload(srv.URL)
	p.Secret = ""
	_, err := q.Enqueue(ctx, queue.KindWebhookDelivery, p, queue.Options{IdempotencyKey: p.IdempotencyKey()})
	require.NoError(t, err)
	job := claimOne(t, q)

	w.process(ctx, job)

	assert.Zero(t, hits, "no request is made without a signing secret")
	attempts := deliveries.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.DeliveryFailed, attempts[0].status)
	assert.Equal(t, 0, attempts[0].statusCode)
	assert.NotEmpty(t, attempts[0].errMsg)

	_, state, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, state)
}

func TestWebhookDeliveryRetriesUntilExhausted(t *testing.T) {
	var hits int64
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := newTestQueue(t, "webhook", queue.Policy{
		MaxAttempts: 3,
		Backoff:     queue.DelayTable(10 * time.Millisecond),
	})
	deliveries := &fakeDeliveryLog{}
	w := NewWebhookWorker(q, deliveries, nil, WebhookWorkerConfig{})
	ctx := context.Background()

	p := testDeliveryPayload(srv.URL)
	enq, err := q.Enqueue(ctx, queue.KindWebhookDelivery, p, queue.Options{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		w.process(ctx, claimOne(t, q))
		time.Sleep(25 * time.Millisecond)
	}

	mu.Lock()
	assert.Equal(t, int64(3), hits, "one POST per claim")
	mu.Unlock()

	attempts := deliveries.all()
	require.Len(t, attempts, 3)
	assert.Equal(t, domain.DeliveryRetrying, attempts[0].status)
	assert.Equal(t, domain.DeliveryRetrying, attempts[1].status)
	assert.Equal(t, domain.DeliveryFailed, attempts[2].status)
	assert.Equal(t, http.StatusInternalServerError, attempts[2].statusCode)

	_, state, err := q.GetJob(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, state)

	_, failed := w.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestWebhookDeliveryConnectionErrorRetries(t *testing.T) {
	q := newTestQueue(t, "webhook", queue.Policy{
		MaxAttempts: 2,
		Backoff:     queue.DelayTable(10 * time.Millisecond),
	})
	deliveries := &fakeDeliveryLog{}
	w := NewWebhookWorker(q, deliveries, nil, WebhookWorkerConfig{})
	ctx := context.Background()

	// Nothing listens on this port.
	p := testDeliveryPayload("http://127.0.0.1:1/hook")
	p.TimeoutSecs = 1
	_, err := q.Enqueue(ctx, queue.KindWebhookDelivery, p, queue.Options{})
	require.NoError(t, err)

	w.process(ctx, claimOne(t, q))

	attempts := deliveries.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.DeliveryRetrying, attempts[0].status)
	assert.Equal(t, 0, attempts[0].statusCode)
	assert.NotEmpty(t, attempts[0].errMsg)
}

func TestWebhookDeliveryRateLimitedReleases(t *testing.T) {
	q := newTestQueue(t, "webhook", queue.Policy{})
	deliveries := &fakeDeliveryLog{}
	w := NewWebhookWorker(q, deliveries, &stubLimiter{allowed: false, retryAfter: 100 * time.Millisecond}, WebhookWorkerConfig{})
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, queue.KindWebhookDelivery, testDeliveryPayload("http://example.test/hook"), queue.Options{})
	require.NoError(t, err)

	w.process(ctx, claimOne(t, q))

	assert.Empty(t, deliveries.all(), "a deferred job must not record an attempt")
	assert.Empty(t, deliveries.marked(), "a deferred job must not sit in processing")
	job, state, err := q.GetJob(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, state)
	assert.Equal(t, 0, job.Attempts)
}

func TestWebhookDeliveryWrongKindIsTerminal(t *testing.T) {
	q := newTestQueue(t, "webhook", queue.Policy{MaxAttempts: 5})
	deliveries := &fakeDeliveryLog{}
	w := NewWebhookWorker(q, deliveries, nil, WebhookWorkerConfig{})
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, queue.KindEmail, queue.EmailJob{CampaignID: "c1"}, queue.Options{})
	require.NoError(t, err)

	w.process(ctx, claimOne(t, q))

	assert.Empty(t, deliveries.all())
	_, state, err := q.GetJob(ctx, enq.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, state)
}
