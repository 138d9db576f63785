package webhook

import (
	"context"
	"time"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/queue"
)

// Repository defines data access for webhooks and their deliveries.
type Repository interface {
	Get(ctx context.Context, id string) (*domain.Webhook, error)
	List(ctx context.Context, userID string) ([]domain.Webhook, error)

	// ListActive returns every active webhook subscribed to the event.
	// Campaign and list filter matching happens in the service.
	ListActive(ctx context.Context, event domain.EventType) ([]domain.Webhook, error)

	Create(ctx context.Context, w *domain.Webhook) (string, error)
	Update(ctx context.Context, w *domain.Webhook) error
	Delete(ctx context.Context, id string) error

	GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) (string, error)

	// RecordAttempt stores the outcome of one delivery attempt and bumps
	// the attempt counter.
	RecordAttempt(ctx context.Context, id string, status domain.DeliveryStatus, statusCode int, response, errMsg string) error

	// ResetDelivery puts a failed delivery back to pending. Returns
	// ErrNotRetryable when the delivery is not failed.
	ResetDelivery(ctx context.Context, id string) error

	ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, error)
	DeliveryStats(ctx context.Context, webhookID string, since time.Time) (*DeliveryStats, error)
}

// DeliveryStats aggregates delivery outcomes over a time window.
type DeliveryStats struct {
	WebhookID   string    `json:"webhook_id"`
	Since       time.Time `json:"since"`
	Total       int       `json:"total"`
	Delivered   int       `json:"delivered"`
	Failed      int       `json:"failed"`
	InFlight    int       `json:"in_flight"`
	AvgAttempts float64   `json:"avg_attempts"`
}

// CampaignGetter resolves a campaign for list filter matching.
type CampaignGetter interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// Enqueuer is the slice of the job queue the dispatcher uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any, opts queue.Options) (*queue.Job, error)
}
