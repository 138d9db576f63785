package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/queue"
)

const testKey = "8e9f3a1c5b7d2e4f6a8c0b1d3e5f7a9c8e9f3a1c5b7d2e4f6a8c0b1d3e5f7a9c"

func newBox(t *testing.T) *Box {
	t.Helper()
	box, err := NewBox(testKey)
	require.NoError(t, err)
	return box
}

func TestBoxRoundTrip(t *testing.T) {
	box := newBox(t)

	sealed, err := box.Encrypt("hunter2:swordfish")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	opened, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2:swordfish", opened)

	// Empty values pass through untouched.
	sealed, err = box.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestBoxRejectsTampering(t *testing.T) {
	box := newBox(t)
	sealed, err := box.Encrypt("secret")
	require.NoError(t, err)

	_, err = box.Decrypt("AAAA" + sealed[4:])
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	payload := []byte(`{"type":"email.sent"}`)

	sig := Sign("whsec_abc", ts, payload)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, VerifySignature("whsec_abc", sig, ts, payload))
	assert.False(t, VerifySignature("whsec_other", sig, ts, payload))
	assert.False(t, VerifySignature("whsec_abc", sig, ts.Add(time.Second), payload))
}

func TestAuthHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{}`)

	h := AuthHeaders(domain.WebhookAuthBasic, "", "user:pass", "", domain.EventEmailSent, payload, now)
	assert.Equal(t, "Basic dXNlcjpwYXNz", h["Authorization"])

	h = AuthHeaders(domain.WebhookAuthBearer, "", "tok123", "", domain.EventEmailSent, payload, now)
	assert.Equal(t, "Bearer tok123", h["Authorization"])

	h = AuthHeaders(domain.WebhookAuthAPIKey, "X-Custom-Key", "k", "", domain.EventEmailSent, payload, now)
	assert.Equal(t, "k", h["X-Custom-Key"])

	h = AuthHeaders(domain.WebhookAuthHMAC, "", "", "whsec_abc", domain.EventEmailSent, payload, now)
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.True(t, VerifySignature("whsec_abc", h[HeaderSignature], now, payload))

	assert.Equal(t, string(domain.EventEmailSent), h[HeaderEvent])
}

type fakeRepo struct {
	mu         sync.Mutex
	hooks      map[string]*domain.Webhook
	deliveries map[string]*domain.WebhookDelivery
}

func newFakeRepo(hooks ...*domain.Webhook) *fakeRepo {
	r := &fakeRepo{hooks: map[string]*domain.Webhook{}, deliveries: map[string]*domain.WebhookDelivery{}}
	for _, w := range hooks {
		r.hooks[w.ID] = w
	}
	return r
}

func (r *fakeRepo) Get(_ context.Context, id string) (*domain.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.hooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *fakeRepo) List(_ context.Context, userID string) ([]domain.Webhook, error) {
	return nil, nil
}

func (r *fakeRepo) ListActive(_ context.Context, event domain.EventType) ([]domain.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Webhook
	for _, w := range r.hooks {
		if w.IsActive && w.SubscribedTo(event) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (r *fakeRepo) Create(_ context.Context, w *domain.Webhook) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == "" {
		w.ID = fmt.Sprintf("w%d", len(r.hooks)+1)
	}
	r.hooks[w.ID] = w
	return w.ID, nil
}

func (r *fakeRepo) Update(_ context.Context, w *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[w.ID] = w
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, id)
	return nil
}

func (r *fakeRepo) GetDelivery(_ context.Context, id string) (*domain.WebhookDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *fakeRepo) CreateDelivery(_ context.Context, d *domain.WebhookDelivery) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == "" {
		d.ID = fmt.Sprintf("d%d", len(r.deliveries)+1)
	}
	r.deliveries[d.ID] = d
	return d.ID, nil
}

func (r *fakeRepo) RecordAttempt(_ context.Context, id string, status domain.DeliveryStatus, statusCode int, response, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.deliveries[id]
	d.Status = status
	d.Attempts++
	d.StatusCode = statusCode
	d.Response = response
	d.Error = errMsg
	return nil
}

func (r *fakeRepo) ResetDelivery(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok || d.Status != domain.DeliveryFailed {
		return ErrNotRetryable
	}
	d.Status = domain.DeliveryPending
	return nil
}

func (r *fakeRepo) ListDeliveries(_ context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, error) {
	return nil, nil
}

func (r *fakeRepo) DeliveryStats(_ context.Context, webhookID string, since time.Time) (*DeliveryStats, error) {
	return &DeliveryStats{WebhookID: webhookID, Since: since}, nil
}

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.WebhookDeliveryJob
	opts []queue.Options
}

func (e *captureEnqueuer) Enqueue(_ context.Context, kind queue.Kind, payload any, opts queue.Options) (*queue.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := payload.(queue.WebhookDeliveryJob)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", payload)
	}
	e.jobs = append(e.jobs, job)
	e.opts = append(e.opts, opts)
	return &queue.Job{ID: fmt.Sprintf("j%d", len(e.jobs))}, nil
}

func activeHook(id string, events ...domain.EventType) *domain.Webhook {
	return &domain.Webhook{
		ID:          id,
		UserID:      "u1",
		Name:        id,
		URL:         "https://hooks.example.com/" + id,
		Events:      events,
		AuthType:    domain.WebhookAuthNone,
		TimeoutSecs: 5,
		MaxRetries:  3,
		IsActive:    true,
	}
}

func TestDispatchMatchesSubscriptionsAndFilters(t *testing.T) {
	sent := activeHook("w1", domain.EventEmailSent)
	bounced := activeHook("w2", domain.EventEmailBounced)
	filtered := activeHook("w3", domain.EventEmailSent)
	filtered.CampaignIDs = []string{"other-campaign"}
	inactive := activeHook("w4", domain.EventEmailSent)
	inactive.IsActive = false

	repo := newFakeRepo(sent, bounced, filtered, inactive)
	eq := &captureEnqueuer{}
	svc := NewService(repo, nil, eq, newBox(t))

	n, err := svc.Dispatch(context.Background(), domain.EventEmailSent, "c1",
		map[string]string{"recipient": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, eq.jobs, 1)
	job := eq.jobs[0]
	assert.Equal(t, "w1", job.WebhookID)
	assert.Equal(t, "d1", job.DeliveryID)
	assert.Equal(t, "webhook:d1", eq.opts[0].IdempotencyKey)
	// max_retries=3 means 4 total attempts.
	assert.Equal(t, 4, eq.opts[0].MaxAttempts)

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &evt))
	assert.Equal(t, domain.EventEmailSent, evt.Type)
	assert.Equal(t, "c1", evt.CampaignID)
}

func TestDispatchDecryptsCredentialJustInTime(t *testing.T) {
	box := newBox(t)
	hook := activeHook("w1", domain.EventCampaignCompleted)
	hook.AuthType = domain.WebhookAuthBearer
	enc, err := box.Encrypt("tok-plain")
	require.NoError(t, err)
	hook.AuthValue = enc

	repo := newFakeRepo(hook)
	eq := &captureEnqueuer{}
	svc := NewService(repo, nil, eq, box)

	_, err = svc.Dispatch(context.Background(), domain.EventCampaignCompleted, "c1", nil)
	require.NoError(t, err)
	require.Len(t, eq.jobs, 1)
	assert.Equal(t, "tok-plain", eq.jobs[0].AuthValue)
}

func TestCreateEncryptsAndGeneratesSecret(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, &captureEnqueuer{}, newBox(t))

	created, err := svc.Create(context.Background(), &domain.Webhook{
		Name:      "orders",
		URL:       "https://hooks.example.com/orders",
		Events:    []domain.EventType{domain.EventEmailSent},
		AuthType:  domain.WebhookAuthHMAC,
		AuthValue: "unused",
		IsActive:  true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Secret, "whsec_"))

	stored, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "unused", stored.AuthValue)
}

func TestCreateValidatesURL(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, &captureEnqueuer{}, newBox(t))
	_, err := svc.Create(context.Background(), &domain.Webhook{
		Name:   "bad",
		URL:    "ftp://example.com",
		Events: []domain.EventType{domain.EventEmailSent},
	})
	assert.Error(t, err)
}

func TestRetryDeliveryRequiresFailedState(t *testing.T) {
	repo := newFakeRepo(activeHook("w1", domain.EventEmailSent))
	repo.deliveries["d1"] = &domain.WebhookDelivery{
		ID: "d1", WebhookID: "w1", Event: domain.EventEmailSent,
		Payload: "{}", Status: domain.DeliveryDelivered,
	}
	svc := NewService(repo, nil, &captureEnqueuer{}, newBox(t))

	err := svc.RetryDelivery(context.Background(), "d1")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryDeliveryRequeues(t *testing.T) {
	repo := newFakeRepo(activeHook("w1", domain.EventEmailSent))
	repo.deliveries["d1"] = &domain.WebhookDelivery{
		ID: "d1", WebhookID: "w1", Event: domain.EventEmailSent,
		Payload: `{"type":"email.sent"}`, Status: domain.DeliveryFailed, Attempts: 4,
	}
	eq := &captureEnqueuer{}
	svc := NewService(repo, nil, eq, newBox(t))

	require.NoError(t, svc.RetryDelivery(context.Background(), "d1"))
	require.Len(t, eq.jobs, 1)
	assert.Equal(t, "d1", eq.jobs[0].DeliveryID)

	d, _ := repo.GetDelivery(context.Background(), "d1")
	assert.Equal(t, domain.DeliveryPending, d.Status)
}

func TestTestWebhookPostsSynchronously(t *testing.T) {
	var gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get(HeaderEvent)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	hook := activeHook("w1", domain.EventEmailSent)
	hook.URL = srv.URL
	svc := NewService(newFakeRepo(hook), nil, &captureEnqueuer{}, newBox(t))

	res, err := svc.Test(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "webhook.test", gotEvent)
}
