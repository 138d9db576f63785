// Package api exposes the operational HTTP surface: campaign lifecycle,
// split-test lifecycle, webhook management, queue administration, health
// and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/service/abtest"
	"github.com/flowmail/flowmail/internal/service/campaign"
	"github.com/flowmail/flowmail/internal/service/webhook"
)

// CampaignService is the slice of the campaign service the API uses.
type CampaignService interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error)
	Create(ctx context.Context, c *domain.Campaign) (*domain.Campaign, error)
	AddRecipients(ctx context.Context, campaignID string, recips []domain.Recipient) (int, error)
	Queue(ctx context.Context, campaignID string) (int, error)
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
	RetryFailed(ctx context.Context, campaignID string) (int, error)
	Status(ctx context.Context, campaignID string) (*campaign.Status, error)
	CheckAndComplete(ctx context.Context, campaignID string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// ABTestService is the slice of the split-test service the API uses.
type ABTestService interface {
	Create(ctx context.Context, input abtest.CreateInput) (*domain.ABTest, error)
	Get(ctx context.Context, id string) (*domain.ABTest, error)
	Start(ctx context.Context, testID string) (int, error)
	SelectWinner(ctx context.Context, testID, variantID string) error
	Results(ctx context.Context, testID string) (*abtest.Results, error)
	RecordEvent(ctx context.Context, variantID string, event domain.EventType) error
}

// WebhookService is the slice of the webhook service the API uses.
type WebhookService interface {
	Create(ctx context.Context, w *domain.Webhook) (*domain.Webhook, error)
	Update(ctx context.Context, w *domain.Webhook) error
	Get(ctx context.Context, id string) (*domain.Webhook, error)
	List(ctx context.Context, userID string) ([]domain.Webhook, error)
	Delete(ctx context.Context, id string) error
	Test(ctx context.Context, webhookID string) (*webhook.TestResult, error)
	RetryDelivery(ctx context.Context, deliveryID string) error
	Deliveries(ctx context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, error)
	Stats(ctx context.Context, webhookID string, window time.Duration) (*webhook.DeliveryStats, error)
}

// QueueAdmin is the administrative slice of a durable queue.
type QueueAdmin interface {
	Name() string
	GetStats(ctx context.Context) (queue.Stats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Drain(ctx context.Context) (int, error)
	GetJob(ctx context.Context, jobID string) (*queue.Job, queue.State, error)
	RetryJob(ctx context.Context, jobID string) (bool, error)
	RemoveJob(ctx context.Context, jobID string) (bool, error)
}

// Pinger reports backing-store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain probe function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handlers holds the API's collaborators.
type Handlers struct {
	campaigns CampaignService
	abtests   ABTestService
	webhooks  WebhookService
	queues    map[string]QueueAdmin
	db        Pinger
	redis     Pinger
}

// NewHandlers wires the handler set. queues is keyed by queue name.
func NewHandlers(campaigns CampaignService, abtests ABTestService, webhooks WebhookService, queues []QueueAdmin) *Handlers {
	byName := make(map[string]QueueAdmin, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}
	return &Handlers{
		campaigns: campaigns,
		abtests:   abtests,
		webhooks:  webhooks,
		queues:    byName,
	}
}

// SetHealthProbes registers backing-store probes for /health.
func (h *Handlers) SetHealthProbes(db, redis Pinger) {
	h.db = db
	h.redis = redis
}

// Server is the operational HTTP server.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the server around a routed handler set.
func NewServer(h *Handlers) *Server {
	return &Server{handler: SetupRoutes(h)}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
