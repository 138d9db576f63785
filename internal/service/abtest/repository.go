package abtest

import (
	"context"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/queue"
)

// Repository defines data access for A/B tests and their variants.
type Repository interface {
	Get(ctx context.Context, id string) (*domain.ABTest, error)
	GetByCampaign(ctx context.Context, campaignID string) (*domain.ABTest, error)

	// Create inserts a test with its variants; slice order becomes sort
	// order and decides ties at winner selection.
	Create(ctx context.Context, t *domain.ABTest, variants []domain.ABTestVariant) (string, error)

	// Variants returns the test's variants in sort order with counters.
	Variants(ctx context.Context, testID string) ([]domain.ABTestVariant, error)

	// MarkRunning flips a draft test to running; only one caller wins.
	MarkRunning(ctx context.Context, id string) error

	// SetWinner records the winner and completes the test. Returns
	// ErrAlreadyCompleted when the test is no longer running.
	SetWinner(ctx context.Context, id, variantID string) error

	Cancel(ctx context.Context, id string) error

	// IncrementVariantCounter bumps the counter matching the event type.
	IncrementVariantCounter(ctx context.Context, variantID string, event domain.EventType) error
}

// Enqueuer is the slice of the job queue the split tester uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any, opts queue.Options) (*queue.Job, error)
	EnqueueBulk(ctx context.Context, entries []queue.BulkEntry) (int, error)
}
