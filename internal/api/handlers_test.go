package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/service/abtest"
	"github.com/flowmail/flowmail/internal/service/campaign"
	"github.com/flowmail/flowmail/internal/service/webhook"
)

type stubCampaignService struct {
	campaignByID map[string]*domain.Campaign
	queueErr     error
	queued       int
}

func (s *stubCampaignService) Get(_ context.Context, id string) (*domain.Campaign, error) {
	if c, ok := s.campaignByID[id]; ok {
		return c, nil
	}
	return nil, campaign.ErrNotFound
}

func (s *stubCampaignService) List(context.Context, campaign.ListFilter) ([]domain.Campaign, int, error) {
	out := make([]domain.Campaign, 0, len(s.campaignByID))
	for _, c := range s.campaignByID {
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (s *stubCampaignService) Create(_ context.Context, c *domain.Campaign) (*domain.Campaign, error) {
	c.ID = "c-new"
	c.Status = domain.CampaignDraft
	return c, nil
}

func (s *stubCampaignService) AddRecipients(_ context.Context, _ string, recips []domain.Recipient) (int, error) {
	return len(recips), nil
}

func (s *stubCampaignService) Queue(context.Context, string) (int, error) {
	if s.queueErr != nil {
		return 0, s.queueErr
	}
	return s.queued, nil
}

func (s *stubCampaignService) Pause(context.Context, string) error        { return nil }
func (s *stubCampaignService) Resume(context.Context, string) error       { return nil }
func (s *stubCampaignService) Cancel(context.Context, string) error       { return nil }
func (s *stubCampaignService) Delete(context.Context, string) error       { return nil }
func (s *stubCampaignService) RetryFailed(context.Context, string) (int, error) {
	return 0, nil
}

func (s *stubCampaignService) Status(ctx context.Context, id string) (*campaign.Status, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &campaign.Status{Campaign: c}, nil
}

func (s *stubCampaignService) CheckAndComplete(ctx context.Context, id string) (bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

type stubABTestService struct {
	startErr error
}

func (s *stubABTestService) Create(_ context.Context, in abtest.CreateInput) (*domain.ABTest, error) {
	if len(in.Variants) < 2 {
		return nil, abtest.ErrTooFewVariants
	}
	return &domain.ABTest{ID: "t1", CampaignID: in.CampaignID}, nil
}

func (s *stubABTestService) Get(context.Context, string) (*domain.ABTest, error) {
	return &domain.ABTest{ID: "t1"}, nil
}

func (s *stubABTestService) Start(context.Context, string) (int, error) {
	if s.startErr != nil {
		return 0, s.startErr
	}
	return 100, nil
}

func (s *stubABTestService) SelectWinner(context.Context, string, string) error { return nil }
func (s *stubABTestService) Results(context.Context, string) (*abtest.Results, error) {
	return &abtest.Results{Test: &domain.ABTest{ID: "t1"}}, nil
}
func (s *stubABTestService) RecordEvent(context.Context, string, domain.EventType) error {
	return nil
}

type stubWebhookService struct {
	retryErr error
}

func (s *stubWebhookService) Create(_ context.Context, w *domain.Webhook) (*domain.Webhook, error) {
	w.ID = "wh1"
	if w.AuthType == domain.WebhookAuthHMAC && w.Secret == "" {
		w.Secret = "whsec_generated"
	}
	return w, nil
}

func (s *stubWebhookService) Update(context.Context, *domain.Webhook) error { return nil }
func (s *stubWebhookService) Get(context.Context, string) (*domain.Webhook, error) {
	return nil, webhook.ErrNotFound
}
func (s *stubWebhookService) List(context.Context, string) ([]domain.Webhook, error) {
	return nil, nil
}
func (s *stubWebhookService) Delete(context.Context, string) error { return nil }
func (s *stubWebhookService) Test(context.Context, string) (*webhook.TestResult, error) {
	return &webhook.TestResult{Success: true, StatusCode: 200}, nil
}
func (s *stubWebhookService) RetryDelivery(context.Context, string) error { return s.retryErr }
func (s *stubWebhookService) Deliveries(context.Context, string, int, int) ([]domain.WebhookDelivery, error) {
	return nil, nil
}
func (s *stubWebhookService) Stats(context.Context, string, time.Duration) (*webhook.DeliveryStats, error) {
	return &webhook.DeliveryStats{Total: 3, Delivered: 2, Failed: 1}, nil
}

type stubQueueAdmin struct {
	name    string
	stats   queue.Stats
	retryOK bool
}

func (q *stubQueueAdmin) Name() string                                  { return q.name }
func (q *stubQueueAdmin) GetStats(context.Context) (queue.Stats, error) { return q.stats, nil }
func (q *stubQueueAdmin) Pause(context.Context) error                   { return nil }
func (q *stubQueueAdmin) Resume(context.Context) error                  { return nil }
func (q *stubQueueAdmin) Drain(context.Context) (int, error)            { return 7, nil }
func (q *stubQueueAdmin) GetJob(context.Context, string) (*queue.Job, queue.State, error) {
	return nil, "", errors.New("job not found")
}
func (q *stubQueueAdmin) RetryJob(context.Context, string) (bool, error)  { return q.retryOK, nil }
func (q *stubQueueAdmin) RemoveJob(context.Context, string) (bool, error) { return false, nil }

func newTestRouter(cs *stubCampaignService, as *stubABTestService, ws *stubWebhookService, qs ...QueueAdmin) http.Handler {
	if cs == nil {
		cs = &stubCampaignService{campaignByID: map[string]*domain.Campaign{}}
	}
	if as == nil {
		as = &stubABTestService{}
	}
	if ws == nil {
		ws = &stubWebhookService{}
	}
	return SetupRoutes(NewHandlers(cs, as, ws, qs))
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetCampaignNotFoundMapsTo404(t *testing.T) {
	h := newTestRouter(nil, nil, nil)
	rec := do(t, h, http.MethodGet, "/api/v1/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateCampaignReturns201(t *testing.T) {
	h := newTestRouter(nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/campaigns", map[string]string{
		"name": "launch", "subject": "hi", "from_email": "a@b.test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var c domain.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, "c-new", c.ID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
}

func TestQueueCampaignConflictMapsTo409(t *testing.T) {
	cs := &stubCampaignService{
		campaignByID: map[string]*domain.Campaign{"c1": {ID: "c1", Status: domain.CampaignSending}},
		queueErr:     campaign.ErrNotStartable,
	}
	h := newTestRouter(cs, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/campaigns/c1/queue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueCampaignAccepted(t *testing.T) {
	cs := &stubCampaignService{
		campaignByID: map[string]*domain.Campaign{"c1": {ID: "c1", Status: domain.CampaignDraft}},
		queued:       250,
	}
	h := newTestRouter(cs, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/campaigns/c1/queue", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 250, body["queued"])
}

func TestAddRecipientsRejectsEmptyBody(t *testing.T) {
	h := newTestRouter(nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/campaigns/c1/recipients", map[string]any{
		"recipients": []any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateABTestTooFewVariantsMapsTo400(t *testing.T) {
	h := newTestRouter(nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/abtests", map[string]any{
		"campaign_id": "c1",
		"variants":    []map[string]string{{"name": "A"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartABTestNotRunningMapsTo409(t *testing.T) {
	h := newTestRouter(nil, &stubABTestService{startErr: abtest.ErrInvalidTransition}, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/abtests/t1/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSelectWinnerRequiresVariantID(t *testing.T) {
	h := newTestRouter(nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/abtests/t1/winner", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	h := newTestRouter(nil, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"name":      "crm",
		"url":       "https://crm.example.com/hook",
		"events":    []string{"email.sent"},
		"auth_type": "hmac",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "whsec_generated", body.Secret)
}

func TestRetryDeliveryNotRetryableMapsTo409(t *testing.T) {
	h := newTestRouter(nil, nil, &stubWebhookService{retryErr: webhook.ErrNotRetryable})
	rec := do(t, h, http.MethodPost, "/api/v1/deliveries/d1/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueStatsByName(t *testing.T) {
	q := &stubQueueAdmin{name: "email", stats: queue.Stats{Waiting: 12, Active: 3}}
	h := newTestRouter(nil, nil, nil, q)

	rec := do(t, h, http.MethodGet, "/api/v1/queues/email/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(12), stats.Waiting)

	rec = do(t, h, http.MethodGet, "/api/v1/queues/bogus/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteCheckCampaign(t *testing.T) {
	cs := &stubCampaignService{campaignByID: map[string]*domain.Campaign{
		"c1": {ID: "c1", Status: domain.CampaignSending},
	}}
	h := newTestRouter(cs, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/campaigns/c1/complete-check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out["completed"])

	rec = do(t, h, http.MethodPost, "/api/v1/campaigns/missing/complete-check", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerStatusReportsQueues(t *testing.T) {
	busy := &stubQueueAdmin{name: "email", stats: queue.Stats{Active: 2, Waiting: 5}}
	idle := &stubQueueAdmin{name: "webhook"}
	h := newTestRouter(nil, nil, nil, busy, idle)

	rec := do(t, h, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Workers map[string]struct {
			State string `json:"state"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "processing", out.Workers["email"].State)
	assert.Equal(t, "idle", out.Workers["webhook"].State)
}

func TestRetryJobNotFailedMapsTo409(t *testing.T) {
	q := &stubQueueAdmin{name: "email"}
	h := newTestRouter(nil, nil, nil, q)
	rec := do(t, h, http.MethodPost, "/api/v1/queues/email/jobs/j1/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthDegradedWhenProbeFails(t *testing.T) {
	cs := &stubCampaignService{campaignByID: map[string]*domain.Campaign{}}
	handlers := NewHandlers(cs, &stubABTestService{}, &stubWebhookService{}, nil)
	handlers.SetHealthProbes(
		PingFunc(func(context.Context) error { return nil }),
		PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	)
	h := SetupRoutes(handlers)

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
}
