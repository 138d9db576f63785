package campaign

import (
	"context"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/queue"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the filter, ordered by created_at DESC,
	// along with the unpaginated total.
	List(ctx context.Context, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// TransitionStatus moves the campaign to a new status only when its
	// current status is one of from. Returns ErrInvalidTransition when the
	// guard matched no row.
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error

	// SetTotalRecipients records the recipient count frozen at queue time.
	SetTotalRecipients(ctx context.Context, id string, total int) error

	IncrementSent(ctx context.Context, id string) error
	IncrementBounced(ctx context.Context, id string) error

	// DecrementBounced takes n back off the bounce counter when failed
	// recipients return to pending, keeping sent+bounced within total.
	DecrementBounced(ctx context.Context, id string, n int) error

	// Delete removes a campaign. Only draft/cancelled campaigns can be deleted.
	Delete(ctx context.Context, id string) error
}

// RecipientRepository defines data access for campaign recipients.
type RecipientRepository interface {
	Get(ctx context.Context, id string) (*domain.Recipient, error)

	// BulkInsert loads recipients for a campaign, deduplicating emails
	// within the batch. Returns the number inserted.
	BulkInsert(ctx context.Context, campaignID string, recips []domain.Recipient) (int, error)

	// PagePending returns pending recipients ordered by id after the cursor.
	PagePending(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error)

	// MarkQueued flips pending recipients to queued, assigning variants.
	MarkQueued(ctx context.Context, ids []string, variantByID map[string]string) error

	// MarkSent and MarkFailed transition a queued recipient to its terminal
	// status; the bool reports whether the guard matched.
	MarkSent(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, message string) (bool, error)

	// ResetFailed moves failed recipients back to pending for a retry pass.
	ResetFailed(ctx context.Context, campaignID string) (int, error)

	// FailUnsent marks every pending or queued recipient failed with the
	// given message. Used when a campaign is cancelled.
	FailUnsent(ctx context.Context, campaignID, message string) (int, error)

	CountByStatus(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error)
	CountPending(ctx context.Context, campaignID string) (int, error)
}

// Enqueuer is the slice of the job queue the campaign service uses.
type Enqueuer interface {
	EnqueueBulk(ctx context.Context, entries []queue.BulkEntry) (int, error)
	RemoveByCampaign(ctx context.Context, campaignID string) (int, error)
	GetStats(ctx context.Context) (queue.Stats, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}
